package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/store"
)

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"phone=217-555-0100", "address_line2="}, "called office")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "217-555-0100", *got[model.FieldPhone].Value)
	assert.Equal(t, "called office", got[model.FieldPhone].Notes)
	assert.Equal(t, "", *got[model.FieldAddressLine2].Value)

	none, err := parseOverrides(nil, "")
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, bad := range []string{"phone", "=x", "shoe_size=9"} {
		_, err := parseOverrides([]string{bad}, "")
		assert.Error(t, err, bad)
	}
}

type finderFunc func(ctx context.Context, npi string) (*model.Provider, error)

func (f finderFunc) FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	return f(ctx, npi)
}

func TestProviderID(t *testing.T) {
	finder := finderFunc(func(_ context.Context, npi string) (*model.Provider, error) {
		if npi == "1234567893" {
			return &model.Provider{ID: 42}, nil
		}
		return nil, store.ErrNotFound
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		args    []string
		npi     string
		want    int64
		wantErr bool
	}{
		{"positional id", []string{"7"}, "", 7, false},
		{"by npi", nil, " 1234567893 ", 42, false},
		{"unknown npi", nil, "1234567802", 0, true},
		{"both", []string{"7"}, "1234567893", 0, true},
		{"neither", nil, "", 0, true},
		{"bad id", []string{"abc"}, "", 0, true},
		{"zero id", []string{"0"}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := providerID(ctx, finder, tt.args, tt.npi)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 3, 1,,7 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 7}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = parseIDs("1,x")
	assert.Error(t, err)
}
