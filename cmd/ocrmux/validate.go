package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/ocrmux/backends"
	"github.com/blueberrycongee/ocrmux/internal/config"
)

func validateCmd(configPath *string) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Parses and validates the configuration, resolves secret references,
constructs every backend with its factory and prints non-fatal warnings.
With --strict warnings fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromFile(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			secrets, err := newSecretManager(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = secrets.Close() }()
			resolved, err := resolveBackendSecrets(cmd.Context(), cfg, secrets)
			if err != nil {
				return err
			}
			return validateConfig(cmd.OutOrStdout(), resolved, backends.Default(), strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

var errWarnings = errors.New("configuration has warnings")

func validateConfig(w io.Writer, cfg *config.Config, factories *backends.Registry, strict bool) error {
	var errs []error
	for _, b := range cfg.Backends {
		if _, err := factories.Create(backends.Config{Name: b.Name, Type: b.Type, Options: b.Options}); err != nil {
			errs = append(errs, err)
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	warnings := cfg.Warnings()
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning [%s]: %s\n", warn.Code, warn.Message)
	}
	fmt.Fprintf(w, "configuration ok: %d backends, %d overrides\n", len(cfg.Backends), len(cfg.Overrides))

	if strict && len(warnings) > 0 {
		return errWarnings
	}
	return nil
}
