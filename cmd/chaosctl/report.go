package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/darwin-demo/store/idempotency"
	"github.com/darwin-demo/store/journal"
)

func reportCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Push and browse CI test reports",
	}
	cmd.AddCommand(reportPushCmd(opts))
	cmd.AddCommand(reportListCmd(opts))
	cmd.AddCommand(reportLatestCmd(opts))
	return cmd
}

// idempotencyKeyFor derives a stable key from the report contents, so a CI
// job retrying the same push stores it once.
func idempotencyKeyFor(body []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, body).String()
}

func reportPushCmd(opts *options) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Push a JSON test report (FILE or - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			if key == "" {
				key = idempotencyKeyFor(body)
			}

			var res struct {
				Status string `json:"status"`
				ID     string `json:"id"`
			}
			header := http.Header{idempotency.HeaderKey: []string{key}}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/test-report", body, header, &res); err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Status, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key (default: derived from the report contents)")
	return cmd
}

func reportListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the retained deployment runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []journal.Run
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/test-reports", nil, nil, &runs); err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No reports.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tRECEIVED\tSUITES\tPASSED\tFAILED\tSKIPPED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%d\t%d\n",
					r.RunKey, r.ReceivedAt.Format("2006-01-02 15:04:05"), len(r.Suites),
					r.Passed, r.Total, r.Failed, r.Skipped)
			}
			return tw.Flush()
		},
	}
}

func reportLatestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Show the most recently received report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw map[string]interface{}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/test-reports/latest", nil, nil, &raw); err != nil {
				return err
			}
			if raw["status"] == "no_reports" && !opts.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), "No reports.")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}
