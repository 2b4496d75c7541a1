package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/darwin-demo/store/chaosstate"
)

type controllerStatus struct {
	Chaos             chaosstate.State `json:"chaos"`
	LoadMode          string           `json:"load_mode"`
	CPUThreadsActive  int              `json:"cpu_threads_active"`
	CPUThreadsTotal   int              `json:"cpu_threads_total"`
	DefaultWorkers    int              `json:"default_workers"`
	MemoryChunks      int              `json:"memory_chunks"`
	MemoryAllocatedMB int              `json:"memory_allocated_mb"`
	ErrorRatePct      float64          `json:"observed_error_rate_pct"`
	ChaosEnabled      bool             `json:"chaos_enabled"`
}

type settingsRequest struct {
	CPUIntensity *int     `json:"cpu_intensity,omitempty"`
	MemoryMB     *int     `json:"memory_mb,omitempty"`
	LatencyMS    *int     `json:"latency_ms,omitempty"`
	ErrorRate    *float64 `json:"error_rate,omitempty"`
	Reset        bool     `json:"reset,omitempty"`
}

type applyResult struct {
	Status  string           `json:"status"`
	Applied []string         `json:"applied"`
	Chaos   chaosstate.State `json:"chaos"`
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chaos state and load generator status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st controllerStatus
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/status", nil, nil, &st); err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st controllerStatus) {
	fmt.Fprintln(w, "Chaos Controller")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	enabled := "enabled"
	if !st.ChaosEnabled {
		enabled = "disabled"
	}
	fmt.Fprintf(w, "  Chaos mode:  %s\n", enabled)
	fmt.Fprintf(w, "  Load:        %s, %d/%d workers (default %d)\n",
		st.LoadMode, st.CPUThreadsActive, st.CPUThreadsTotal, st.DefaultWorkers)
	fmt.Fprintf(w, "  Memory:      %dMB in %d chunks\n", st.MemoryAllocatedMB, st.MemoryChunks)
	fmt.Fprintf(w, "  Latency:     %dms\n", st.Chaos.LatencyMS)
	fmt.Fprintf(w, "  Error rate:  %.0f%% injected, %.1f%% observed (%d/%d)\n",
		st.Chaos.ErrorRate*100, st.ErrorRatePct, st.Chaos.ErrorCount, st.Chaos.RequestCount)
}

func setCmd(opts *options) *cobra.Command {
	var (
		cpu, memory, latency int
		errorRate            float64
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Apply chaos settings; only the given flags change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req settingsRequest
			flags := cmd.Flags()
			if flags.Changed("cpu") {
				req.CPUIntensity = &cpu
			}
			if flags.Changed("memory") {
				req.MemoryMB = &memory
			}
			if flags.Changed("latency") {
				req.LatencyMS = &latency
			}
			if flags.Changed("error-rate") {
				req.ErrorRate = &errorRate
			}
			if req == (settingsRequest{}) {
				return fmt.Errorf("nothing to set: pass at least one of --cpu, --memory, --latency, --error-rate")
			}
			return applySettings(cmd, opts, req)
		},
	}

	cmd.Flags().IntVar(&cpu, "cpu", 0, "CPU/load intensity (worker count, 0 stops)")
	cmd.Flags().IntVar(&memory, "memory", 0, "Memory to hold in MB (0 releases)")
	cmd.Flags().IntVar(&latency, "latency", 0, "Injected latency per request in ms")
	cmd.Flags().Float64Var(&errorRate, "error-rate", 0, "Injected error probability 0.0-1.0")

	return cmd
}

func resetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Stop all load, release memory and clear injection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return applySettings(cmd, opts, settingsRequest{Reset: true})
		},
	}
}

func applySettings(cmd *cobra.Command, opts *options, req settingsRequest) error {
	var res applyResult
	if err := opts.client().postJSON(cmd.Context(), "/api/settings", req, &res); err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Status, strings.Join(res.Applied, ", "))
	return nil
}
