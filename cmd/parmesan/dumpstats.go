package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newDumpStatsCmd() *cobra.Command {
	var outDir string
	c := &cobra.Command{
		Use:   "dump-stats",
		Short: "Print the most recent angora.csv row from a (possibly still-running) campaign's output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpStats(cmd, outDir)
		},
	}
	c.Flags().StringVar(&outDir, "out", "", "Output directory of the campaign to inspect")
	c.MarkFlagRequired("out")
	return c
}

func dumpStats(cmd *cobra.Command, outDir string) error {
	path := filepath.Join(outDir, "angora.csv")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cmd/parmesan: opening %s: %w", path, err)
	}
	defer f.Close()

	header, last, err := lastCSVRow(f)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("cmd/parmesan: %s has no data rows yet", path)
	}

	out := cmd.OutOrStdout()
	for i, col := range header {
		val := ""
		if i < len(last) {
			val = last[i]
		}
		fmt.Fprintf(out, "%-20s %s\n", col+":", val)
	}
	return nil
}

// lastCSVRow reads every row of r and returns the header plus the
// final data row, since angora.csv is append-only and dump-stats
// always wants the latest snapshot.
func lastCSVRow(r *os.File) ([]string, []string, error) {
	rd := csv.NewReader(bufio.NewReader(r))
	rows, err := rd.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("cmd/parmesan: parsing angora.csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("cmd/parmesan: angora.csv is empty")
	}
	header := rows[0]
	if len(rows) == 1 {
		return header, nil, nil
	}
	return header, rows[len(rows)-1], nil
}
