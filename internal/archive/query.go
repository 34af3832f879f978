package archive

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Predicate is an equality condition the archive can evaluate server-side.
type Predicate struct {
	Field string
	Value string
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s=%q", p.Field, p.Value)
}

// Query selects records under a taxon subtree first published on or after Since.
type Query struct {
	TaxonID    int64
	Since      time.Time
	Predicates []Predicate
}

// String renders the query in the archive's search syntax, e.g.
// tax_tree(755) AND first_public>=2022-06-18 AND library_strategy="WGS".
func (q Query) String() string {
	parts := []string{
		fmt.Sprintf("tax_tree(%d)", q.TaxonID),
		"first_public>=" + q.Since.UTC().Format(time.DateOnly),
	}
	preds := make([]string, 0, len(q.Predicates))
	for _, p := range q.Predicates {
		preds = append(preds, p.String())
	}
	sort.Strings(preds)
	return strings.Join(append(parts, preds...), " AND ")
}
