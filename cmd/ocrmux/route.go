package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/ocrmux"
	"github.com/blueberrycongee/ocrmux/internal/config"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

func routeCmd(configPath *string) *cobra.Command {
	var req types.Request
	var task, quality, privacy string

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show the routing decision for a request without processing it",
		Long: `Ranks the configured backends for the described request. Backends are
not contacted and every circuit is assumed closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromFile(*configPath)
			if err != nil {
				return err
			}
			req.TaskType = types.TaskType(task)
			req.Quality = types.QualityLevel(quality)
			req.Privacy = types.PrivacyLevel(privacy)
			return printDecision(cmd, cfg, &req)
		},
	}

	cmd.Flags().StringVar(&task, "task", string(types.TaskTextExtraction), "task type")
	cmd.Flags().StringVar(&quality, "quality", string(types.QualityMedium), "quality level (low, medium, high, ultra_high)")
	cmd.Flags().StringVar(&privacy, "privacy", string(types.PrivacyNormal), "privacy level (low, normal, high)")
	cmd.Flags().Int64Var(&req.PayloadSize, "size", 0, "payload size in bytes")
	cmd.Flags().BoolVar(&req.ForceLocal, "force-local", false, "restrict routing to local backends")
	cmd.Flags().BoolVar(&req.ForceCloud, "force-cloud", false, "restrict routing to remote backends")

	return cmd
}

func printDecision(cmd *cobra.Command, cfg *config.Config, req *types.Request) error {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := buildClient(cfg, logger, nil,
		ocrmux.WithFactories(offlineFactories(cfg)),
		ocrmux.WithProbe(ocrmux.ProbeConfig{Enabled: false}),
		ocrmux.WithoutCache(),
		ocrmux.WithMetrics(false),
	)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	d, err := client.Decide(cmd.Context(), req)
	if err != nil {
		return err
	}
	writeDecision(cmd.OutOrStdout(), d)
	return nil
}

func writeDecision(out io.Writer, d *ocrmux.Decision) {
	if d.OverrideReason != "" {
		fmt.Fprintf(out, "override: %s\n", d.OverrideReason)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tBACKEND\tKIND\tSCORE\tPRIVACY\tQUALITY\tTASK\tSIZE\tCOST")
	for i, c := range d.Candidates {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			i+1, c.Backend, c.Kind, c.Score,
			c.Breakdown.Privacy, c.Breakdown.Quality, c.Breakdown.TaskType, c.Breakdown.Size, c.Cost)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "winner: %s\n", d.Winner)
}
