package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/microfetch/microfetch-pipeline/internal/fastq"
)

var fastqCmd = &cobra.Command{
	Use:   "fastq",
	Short: "Inspect fastq files of records",
}

var fastqProbeCmd = &cobra.Command{
	Use:   "probe <record-id>",
	Short: "Check that a record's fastq files exist on the archive FTP mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return eris.Errorf("record %s not found", args[0])
		}

		files, err := fastq.NewProber(cfg.FTP).Probe(cmd.Context(), rec)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "URL\tSIZE\tEXPECTED\tSTATUS")
		var bad int
		for _, f := range files {
			expected := "-"
			if f.Expected != nil {
				expected = fmt.Sprint(*f.Expected)
			}
			status := "ok"
			switch {
			case f.Error != "":
				status = f.Error
				bad++
			case !f.Match:
				status = "size mismatch"
				bad++
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.URL, f.Size, expected, status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if bad > 0 {
			return eris.Errorf("%d of %d fastq files failed the probe", bad, len(files))
		}
		return nil
	},
}

func init() {
	fastqCmd.AddCommand(fastqProbeCmd)
	rootCmd.AddCommand(fastqCmd)
}
