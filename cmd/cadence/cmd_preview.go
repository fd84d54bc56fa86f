package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/service/preview"
)

var previewCount int

var previewCmd = &cobra.Command{
	Use:   "preview FILE",
	Short: "Print the first dates of a recurrence described in a YAML file",
	Long: `Reads a recurrence from YAML ("-" for stdin) and prints its description and
upcoming dates. Nothing is stored.

Example file:

  start_date: 2024-01-01
  pattern:
    kind: weekly
    days: [2, 4]
    interval_weeks: 2
  end_condition:
    kind: count
    count: 10`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	previewCmd.Flags().IntVar(&previewCount, "count", preview.DefaultCount, "number of dates to print")
}

type previewFile struct {
	StartDate    string             `yaml:"start_date"`
	Pattern      domain.PatternSpec `yaml:"pattern"`
	EndCondition domain.EndSpec     `yaml:"end_condition"`
}

func runPreview(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	in, err := readPreviewFile(r)
	if err != nil {
		return err
	}
	in.Count = previewCount

	p, err := preview.Generate(in)
	if err != nil {
		return err
	}
	return printPreview(cmd.OutOrStdout(), p)
}

func readPreviewFile(r io.Reader) (preview.Input, error) {
	var f previewFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return preview.Input{}, fmt.Errorf("parse recurrence: %w", err)
	}
	return preview.Input{
		StartDate:    strings.TrimSpace(f.StartDate),
		Pattern:      f.Pattern,
		EndCondition: f.EndCondition,
	}, nil
}

func printPreview(w io.Writer, p preview.Preview) error {
	if _, err := fmt.Fprintln(w, p.Description); err != nil {
		return err
	}
	for _, d := range p.Dates {
		if _, err := fmt.Fprintf(w, "  %s  %s\n", d.Date, d.FormattedDate); err != nil {
			return err
		}
	}
	total := "open-ended"
	if n, ok := p.TotalCount.Get(); ok {
		total = fmt.Sprintf("%d occurrences in total", n)
	}
	_, err := fmt.Fprintln(w, total)
	return err
}
