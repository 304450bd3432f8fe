// Package export writes point-in-time directory snapshots as CSV or JSON.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

// Formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Field groups.
const (
	GroupDetails       = "details"
	GroupConfidence    = "confidence"
	GroupDates         = "dates"
	GroupDiscrepancies = "discrepancies"
)

// DefaultGroups are exported when Options.Groups is empty.
var DefaultGroups = []string{GroupDetails, GroupConfidence, GroupDates}

const pageSize = 500

var validate = validator.New()

// Options selects what to export.
type Options struct {
	Format      string                 `json:"format" validate:"oneof=csv json"`
	Groups      []string               `json:"groups,omitempty" validate:"dive,oneof=details confidence dates discrepancies"`
	Status      model.ValidationStatus `json:"status,omitempty"`
	ProviderIDs []int64                `json:"provider_ids,omitempty"`
}

// Result describes a written export.
type Result struct {
	Format     string    `json:"format"`
	Providers  int       `json:"providers"`
	ExportedAt time.Time `json:"exported_at"`
}

// Store is the persistence the exporter reads.
type Store interface {
	ListProviders(ctx context.Context, filter store.ProviderFilter) ([]model.Provider, error)
	ListDiscrepancies(ctx context.Context, filter store.DiscrepancyFilter) ([]model.Discrepancy, error)
}

// Exporter renders providers from a Store.
type Exporter struct {
	store Store
	now   func() time.Time
}

// New creates an Exporter.
func New(st Store) *Exporter {
	return &Exporter{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Write renders the selected providers to w. Each matching provider is
// written once, in id order.
func (e *Exporter) Write(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, eris.Wrap(err, "export: invalid options")
	}
	groups := opts.Groups
	if len(groups) == 0 {
		groups = DefaultGroups
	}

	providers, err := e.providers(ctx, opts)
	if err != nil {
		return nil, err
	}

	var discs map[int64][]model.Discrepancy
	if slices.Contains(groups, GroupDiscrepancies) {
		discs = make(map[int64][]model.Discrepancy, len(providers))
		for _, p := range providers {
			list, err := e.store.ListDiscrepancies(ctx, store.DiscrepancyFilter{ProviderID: p.ID})
			if err != nil {
				return nil, eris.Wrapf(err, "export: discrepancies for provider %d", p.ID)
			}
			discs[p.ID] = list
		}
	}

	res := &Result{Format: opts.Format, Providers: len(providers), ExportedAt: e.now()}
	switch opts.Format {
	case FormatCSV:
		err = writeCSV(w, groups, providers, discs)
	case FormatJSON:
		err = writeJSON(w, res.ExportedAt, groups, providers, discs)
	default:
		return nil, eris.Errorf("export: unsupported format %q", opts.Format)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// providers pages by id so a provider whose status changes mid-export is
// neither skipped nor written twice.
func (e *Exporter) providers(ctx context.Context, opts Options) ([]model.Provider, error) {
	var out []model.Provider
	var after int64
	for {
		page, err := e.store.ListProviders(ctx, store.ProviderFilter{
			IDs:     opts.ProviderIDs,
			Status:  opts.Status,
			AfterID: after,
			Limit:   pageSize,
		})
		if err != nil {
			return nil, eris.Wrap(err, "export: list providers")
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

var (
	confidenceColumns = []string{"confidence_score", "risk_score", "validation_status"}
	dateColumns       = []string{"created_at", "updated_at", "last_validated_at"}
	discrepancyCols   = []string{"open_discrepancies", "discrepancy_fields"}
)

func header(groups []string) []string {
	cols := []string{"id"}
	for _, g := range groups {
		switch g {
		case GroupDetails:
			cols = append(cols, model.FieldSetNames...)
		case GroupConfidence:
			cols = append(cols, confidenceColumns...)
		case GroupDates:
			cols = append(cols, dateColumns...)
		case GroupDiscrepancies:
			cols = append(cols, discrepancyCols...)
		}
	}
	return cols
}

func writeCSV(w io.Writer, groups []string, providers []model.Provider, discs map[int64][]model.Discrepancy) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header(groups)); err != nil {
		return eris.Wrap(err, "export: write header")
	}

	for i := range providers {
		p := &providers[i]
		row := []string{strconv.FormatInt(p.ID, 10)}
		for _, g := range groups {
			switch g {
			case GroupDetails:
				for _, name := range model.FieldSetNames {
					row = append(row, p.Fields.Value(name))
				}
			case GroupConfidence:
				row = append(row,
					strconv.Itoa(p.ConfidenceScore),
					strconv.Itoa(p.RiskScore),
					string(p.ValidationStatus),
				)
			case GroupDates:
				row = append(row, formatTime(&p.CreatedAt), formatTime(&p.UpdatedAt), formatTime(p.LastValidatedAt))
			case GroupDiscrepancies:
				var open []string
				for _, d := range discs[p.ID] {
					if d.Status == model.DiscrepancyOpen {
						open = append(open, d.FieldName)
					}
				}
				row = append(row, strconv.Itoa(len(open)), strings.Join(open, ";"))
			}
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

type jsonDocument struct {
	ExportedAt time.Time        `json:"exported_at"`
	Providers  []map[string]any `json:"providers"`
}

func writeJSON(w io.Writer, at time.Time, groups []string, providers []model.Provider, discs map[int64][]model.Discrepancy) error {
	doc := jsonDocument{ExportedAt: at, Providers: make([]map[string]any, 0, len(providers))}

	for i := range providers {
		p := &providers[i]
		rec := map[string]any{"id": p.ID}
		for _, g := range groups {
			switch g {
			case GroupDetails:
				for _, name := range model.FieldSetNames {
					rec[name] = p.Fields.Get(name)
				}
			case GroupConfidence:
				rec["confidence_score"] = p.ConfidenceScore
				rec["risk_score"] = p.RiskScore
				rec["validation_status"] = p.ValidationStatus
			case GroupDates:
				rec["created_at"] = p.CreatedAt
				rec["updated_at"] = p.UpdatedAt
				rec["last_validated_at"] = p.LastValidatedAt
			case GroupDiscrepancies:
				list := discs[p.ID]
				if list == nil {
					list = []model.Discrepancy{}
				}
				rec["discrepancies"] = list
			}
		}
		doc.Providers = append(doc.Providers, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(doc), "export: encode json")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
