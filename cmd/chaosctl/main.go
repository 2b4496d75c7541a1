// Command chaosctl drives the chaos controller from a terminal or CI job.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

const defaultControllerURL = "http://localhost:9000"

type options struct {
	controller string
	timeout    time.Duration
	token      string
	jsonOutput bool
}

func (o *options) client() *client {
	c := newClient(o.controller, o.timeout)
	c.token = o.token
	return c
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "chaosctl",
		Short:         "chaosctl - control chaos injection and browse test reports",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	controller := os.Getenv("CHAOS_CONTROLLER_URL")
	if controller == "" {
		controller = defaultControllerURL
	}
	rootCmd.PersistentFlags().StringVar(&opts.controller, "controller", controller, "Chaos controller base URL (env CHAOS_CONTROLLER_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CHAOS_API_TOKEN"), "Bearer token for chaos settings (env CHAOS_API_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "Output raw JSON")

	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(setCmd(opts))
	rootCmd.AddCommand(resetCmd(opts))
	rootCmd.AddCommand(reportCmd(opts))

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
