package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callbot/internal/app"
	"callbot/internal/publish"
	logx "callbot/pkg/logx"
)

func newCheckCmd(f *rootFlags) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and optionally verify publisher credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.configManager().Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:      %s ok\n", f.configPath)
			fmt.Fprintf(out, "source:      %s %s (%s %s)\n", cfg.Source.ModeOrDefault(), cfg.Source.System,
				cfg.Source.FilterType, joinInts(cfg.Source.FilterCodes))
			fmt.Fprintf(out, "publisher:   %s (dry_run=%v)\n", cfg.Publisher.DriverOrDefault(), cfg.Pipeline.DryRun)
			fmt.Fprintf(out, "enrichment:  %s\n", cfg.Enrichment.DriverOrDefault())
			if !verify {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			err = app.VerifyCredentials(ctx, cfg, logx.Nop())
			switch {
			case errors.Is(err, app.ErrNoPublisher):
				fmt.Fprintln(out, "credentials: skipped (no publisher)")
				return nil
			case err != nil:
				fmt.Fprintf(out, "credentials: FAILED (%s)\n", publish.Kind(err))
				return err
			}
			fmt.Fprintln(out, "credentials: ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "call the platform to verify credentials")
	return cmd
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
