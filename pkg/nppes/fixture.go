package nppes

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fixture is an offline registry backed by a JSON array of records.
type Fixture struct {
	records map[string]Record
}

// NewFixture indexes records by NPI.
func NewFixture(records []Record) *Fixture {
	f := &Fixture{records: make(map[string]Record, len(records))}
	for _, r := range records {
		f.records[strings.TrimSpace(r.NPI)] = r
	}
	return f
}

// LoadFixture reads a JSON array of Record from path.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "nppes: read fixture")
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrap(err, "nppes: unmarshal fixture")
	}

	return NewFixture(records), nil
}

// Lookup implements Client.
func (f *Fixture) Lookup(ctx context.Context, npi string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := f.records[strings.TrimSpace(npi)]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "npi %s", npi)
	}
	return &r, nil
}

// Len returns the number of records.
func (f *Fixture) Len() int {
	return len(f.records)
}
