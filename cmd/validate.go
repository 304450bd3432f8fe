package main

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/pipeline"
	"github.com/medatlas/provider-validator/internal/reconcile"
	"github.com/medatlas/provider-validator/internal/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate <provider-id>",
	Short: "Validate one provider",
	Long:  "Collects evidence for one provider, reconciles every field, and stores the scored result. A validated provider is served from its stored result unless --force is set.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		npi, _ := cmd.Flags().GetString("npi")
		force, _ := cmd.Flags().GetBool("force")
		rawOverrides, _ := cmd.Flags().GetStringArray("override")
		notes, _ := cmd.Flags().GetString("notes")
		asJSON, _ := cmd.Flags().GetBool("json")

		overrides, err := parseOverrides(rawOverrides, notes)
		if err != nil {
			return err
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := providerID(ctx, env.Store, args, npi)
		if err != nil {
			return err
		}

		fp, err := env.Service.ValidateProvider(ctx, id, pipeline.ValidateOptions{
			Force:     force,
			Overrides: overrides,
		})
		if err != nil {
			return eris.Wrap(err, "validate")
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), fp)
		}
		formatProvider(cmd.OutOrStdout(), fp)
		return nil
	},
}

func init() {
	validateCmd.Flags().String("npi", "", "select the provider by NPI instead of id")
	validateCmd.Flags().Bool("force", false, "re-collect evidence even when the provider is already validated")
	validateCmd.Flags().StringArray("override", nil, "manual final value as field=value (repeatable)")
	validateCmd.Flags().String("notes", "", "reviewer notes attached to overrides")
	validateCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(validateCmd)
}

// parseOverrides turns field=value pairs into overrides. An empty value
// overrides the field to blank.
func parseOverrides(pairs []string, notes string) (map[string]reconcile.Override, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var probe model.FieldSet
	out := make(map[string]reconcile.Override, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, eris.Errorf("invalid override %q, expected field=value", pair)
		}
		if !probe.Has(field) {
			return nil, eris.Errorf("unknown field %q in override", field)
		}
		out[field] = reconcile.Override{Value: model.StrPtr(value), Notes: notes}
	}
	return out, nil
}

type providerFinder interface {
	FindProviderByNPI(ctx context.Context, npi string) (*model.Provider, error)
}

// providerID resolves the positional provider id or the --npi flag.
func providerID(ctx context.Context, st providerFinder, args []string, npi string) (int64, error) {
	switch {
	case npi != "" && len(args) > 0:
		return 0, eris.New("give a provider id or --npi, not both")
	case npi != "":
		p, err := st.FindProviderByNPI(ctx, strings.TrimSpace(npi))
		if errors.Is(err, store.ErrNotFound) {
			return 0, eris.Errorf("no provider with npi %s", npi)
		}
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	case len(args) == 1:
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return 0, eris.Errorf("invalid provider id %q", args[0])
		}
		return id, nil
	default:
		return 0, eris.New("a provider id or --npi is required")
	}
}
