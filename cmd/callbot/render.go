package main

import (
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"callbot/internal/app"
	"callbot/internal/calls"
)

// newRenderCmd previews the posts a saved calls/newer response would produce.
func newRenderCmd(f *rootFlags) *cobra.Command {
	var applyFilter bool
	cmd := &cobra.Command{
		Use:   "render <calls.json|->",
		Short: "Render posts from a saved calls/newer response without publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.configManager().Load()
			if err != nil {
				return err
			}
			var body []byte
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			b := calls.DecodeNewer(body, "file")
			if b.Status != calls.StatusOK {
				return fmt.Errorf("decode %s: %s: %w", args[0], b.Status, b.Err)
			}
			for _, r := range b.Rejected {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped call %d (%s): %v\n", r.Index, r.ID, r.Err)
			}

			posts, err := app.Preview(cfg, b, applyFilter, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(posts) == 0 {
				fmt.Fprintln(out, "no posts")
			}
			for _, p := range posts {
				fmt.Fprintf(out, "[%d/%d %d chars]\n%s\n\n", p.Index+1, p.Total, utf8.RuneCountInString(p.Text), p.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&applyFilter, "filter", false, "apply the recency and duration filter against the current time")
	return cmd
}
