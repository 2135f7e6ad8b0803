// pipelinectl is the operational CLI for the collector's ops API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Execute builds and runs the command tree. Every subcommand talks to the
// ops API over HTTP; nothing here touches the database directly.
func Execute(ctx context.Context) error {
	var (
		addr   string
		asJSON bool
	)

	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "operational CLI for the odds pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:3200", "ops API address")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "raw JSON output")

	client := func() *opsClient { return newOpsClient(addr, asJSON) }

	root.AddCommand(statusCmd(ctx, client))
	root.AddCommand(gapsCmd(ctx, client))
	root.AddCommand(deadTuplesCmd(ctx, client))
	root.AddCommand(breakersCmd(ctx, client))
	root.AddCommand(alertsCmd(ctx, client))
	root.AddCommand(resolveAlertCmd(ctx, client))
	root.AddCommand(testConnectionCmd(ctx, client))
	root.AddCommand(resetBreakerCmd(ctx, client))
	root.AddCommand(historyCmd(ctx, client))

	return root.Execute()
}

func statusCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "per-source health, circuit states, and alert summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().status(ctx)
		},
	}
}

func gapsCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "hours since the last collection per source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().gaps(ctx)
		},
	}
}

func deadTuplesCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-tuples",
		Short: "dead/live tuple ratios per pipeline table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().deadTuples(ctx)
		},
	}
}

func breakersCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "circuit state per source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().breakers(ctx)
		},
	}
}

func alertsCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	var source, severity, alertType string
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "list active alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().alerts(ctx, source, severity, alertType)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (info|warning|critical)")
	cmd.Flags().StringVar(&alertType, "type", "", "filter by alert type")
	return cmd
}

func resolveAlertCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve-alert <alert-id>",
		Short: "resolve an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().resolveAlert(ctx, args[0], notes)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func testConnectionCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <source>",
		Short: "probe a source's collector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().testConnection(ctx, args[0])
		},
	}
}

func resetBreakerCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker <source>",
		Short: "force-close a source's circuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().resetBreaker(ctx, args[0])
		},
	}
}

func historyCmd(ctx context.Context, client func() *opsClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <source>",
		Short: "persisted health snapshots for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().history(ctx, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "snapshots to fetch")
	return cmd
}
