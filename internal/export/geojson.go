package export

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// FeatureCollection converts records with coordinates into point features.
// Records without both lat and lon are left out.
func FeatureCollection(records []model.Record) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(records))}
	for i := range records {
		r := &records[i]
		if !r.HasCoordinates() {
			continue
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       r.ID,
			Geometry: geom.NewPointFlat(geom.XY, []float64{*r.Lon, *r.Lat}),
			Properties: map[string]any{
				"taxon_id":             r.TaxonID,
				"run_accession":        r.RunAccession,
				"scientific_name":      r.ScientificName,
				"country":              r.Country,
				"lat_lon_interpolated": r.LatLonInterpolated,
				"collection_date":      r.CollectionDate,
				"assembly_result":      string(r.AssemblyResult),
			},
		})
	}
	return fc
}

// GeoJSON writes records as a GeoJSON FeatureCollection.
func GeoJSON(w io.Writer, records []model.Record) error {
	b, err := json.Marshal(FeatureCollection(records))
	if err != nil {
		return eris.Wrap(err, "export: encode geojson")
	}
	_, err = w.Write(b)
	return eris.Wrap(err, "export: write geojson")
}
