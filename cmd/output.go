package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/resilience"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	if *s == "" {
		return `""`
	}
	return *s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func formatProvider(w io.Writer, fp *model.FinalizedProvider) {
	fmt.Fprintf(w, "provider %d  status=%s  confidence=%d  risk=%d", fp.ProviderID, fp.Status, fp.ConfidenceScore, fp.RiskScore)
	if fp.Cached {
		fmt.Fprint(w, "  (cached)")
	}
	fmt.Fprintln(w)
	if len(fp.Degraded) > 0 {
		fmt.Fprintf(w, "degraded sources: %v\n", fp.Degraded)
	}

	names := make([]string, 0, len(fp.Fields))
	for name := range fp.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		f := fp.Fields[name]
		flag := ""
		switch {
		case f.Override:
			flag = "override"
		case f.Discrepancy:
			flag = "discrepancy"
		}
		rows = append(rows, []string{name, orDash(f.Value), string(f.Source), strconv.Itoa(f.Confidence), string(f.Risk), flag})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"FIELD", "VALUE", "SOURCE", "CONFIDENCE", "RISK", ""},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))
}

func formatDiscrepancies(w io.Writer, discs []model.Discrepancy) {
	rows := make([][]string, 0, len(discs))
	for _, d := range discs {
		rows = append(rows, []string{
			strconv.FormatInt(d.ID, 10),
			strconv.FormatInt(d.ProviderID, 10),
			d.FieldName,
			orDash(d.ImportValue),
			orDash(d.RegistryValue),
			orDash(d.EnrichmentValue),
			orDash(d.FinalValue),
			strconv.Itoa(d.Confidence),
			string(d.RiskLevel),
			string(d.Status),
			strconv.FormatInt(d.Version, 10),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "PROVIDER", "FIELD", "IMPORT", "REGISTRY", "ENRICHMENT", "FINAL", "CONF", "RISK", "STATUS", "VER"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight},
	))
}

func formatSummary(w io.Writer, s *model.DirectorySummary) {
	rows := [][]string{
		{"Providers", strconv.Itoa(s.TotalProviders)},
		{"Validated", strconv.Itoa(s.ValidatedProviders)},
		{"Pending", strconv.Itoa(s.PendingProviders)},
		{"High risk", strconv.Itoa(s.HighRiskProviders)},
		{"Discrepancies", strconv.Itoa(s.TotalDiscrepancies)},
		{"Open discrepancies", strconv.Itoa(s.OpenDiscrepancies)},
		{"Avg confidence", fmt.Sprintf("%.1f", s.AvgConfidenceScore)},
	}
	fmt.Fprintln(w, renderTable([]string{"METRIC", "VALUE"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func formatRunSummary(w io.Writer, run *model.Run) {
	fmt.Fprintf(w, "run %s  trigger=%s  status=%s\n", run.ID, run.Trigger, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	s := run.Summary
	if s == nil {
		return
	}
	rows := [][]string{
		{"Total", strconv.Itoa(s.Total)},
		{"Validated", strconv.Itoa(s.Validated)},
		{"Needs review", strconv.Itoa(s.NeedsReview)},
		{"Review recommended", strconv.Itoa(s.ReviewRecommended)},
		{"High risk", strconv.Itoa(s.HighRisk)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Degraded", strconv.Itoa(s.Degraded)},
		{"Skipped", strconv.Itoa(s.Skipped)},
		{"Duration", (time.Duration(s.DurationMS) * time.Millisecond).String()},
	}
	fmt.Fprintln(w, renderTable([]string{"OUTCOME", "COUNT"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func formatRunsList(w io.Writer, runs []model.Run) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		total, failed := "-", "-"
		if r.Summary != nil {
			total = strconv.Itoa(r.Summary.Total)
			failed = strconv.Itoa(r.Summary.Failed)
		}
		completed := "-"
		if r.CompletedAt != nil {
			completed = formatTime(*r.CompletedAt)
		}
		rows = append(rows, []string{
			shortID(r.ID),
			string(r.Trigger),
			string(r.Status),
			total,
			failed,
			formatTime(r.StartedAt),
			completed,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "TRIGGER", "STATUS", "PROVIDERS", "FAILED", "STARTED", "COMPLETED"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
}

func formatDLQ(w io.Writer, entries []resilience.DLQEntry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			shortID(e.ID),
			strconv.FormatInt(e.ProviderID, 10),
			e.ErrorType,
			fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
			formatTime(e.NextRetryAt),
			e.Error,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "PROVIDER", "TYPE", "RETRIES", "NEXT RETRY", "ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight},
	))
}
