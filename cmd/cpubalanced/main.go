//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmbalance/vmbalance/internal/cpubalance"
	"github.com/vmbalance/vmbalance/internal/hypervisor"
	"github.com/vmbalance/vmbalance/internal/metrics"
	"github.com/vmbalance/vmbalance/internal/runtime"
)

func main() {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "cpubalanced INTERVAL",
		Short: "Rebalance vCPU placement across a libvirt host's physical CPUs",
		Long: `cpubalanced samples every active domain's cumulative CPU time once per
INTERVAL seconds, attributes utilization to physical CPUs by current vCPU
affinity, and re-pins vCPUs with a longest-processing-time-first greedy
placement whenever the spread across physical CPUs exceeds 5% of the mean.`,
		// Argument count is validated inside RunE, not via cobra's Args
		// option, so a wrong count can exit 0 as the CLI contract requires
		// instead of cobra's default exit 1 error path.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, metricsAddr)
		},
	}
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables it)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, metricsAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cpubalanced INTERVAL")
		os.Exit(0)
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil || seconds <= 0 {
		fmt.Fprintf(os.Stderr, "interval must be a positive integer, got %q\n", args[0])
		os.Exit(0)
	}
	interval := time.Duration(seconds) * time.Second

	client, err := hypervisor.Connect()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	balancer, err := cpubalance.New(client, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if metricsAddr != "" {
		cpuMetrics := metrics.NewCPU()
		balancer.OnTick = func(pcpus []cpubalance.PCPU, guests []*cpubalance.Guest) {
			for _, p := range pcpus {
				cpuMetrics.ObservePCPU(p.ID, p.UtilizationPercent)
			}
			for _, g := range guests {
				cpuMetrics.ObserveGuest(g.Handle.String(), g.UtilizationPercent)
			}
			_, stddev := cpubalance.Spread(pcpus)
			cpuMetrics.ObserveSpread(stddev)
		}
		balancer.OnPinsApplied = cpuMetrics.AddPins

		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(serveCtx, metricsAddr, cpuMetrics); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("cpubalanced starting", "interval", interval, "pcpus", balancer.PCPUCount())

	loop := runtime.New(interval, logger)
	if err := loop.Run(ctx, func(tickCtx context.Context) error {
		return balancer.Tick(tickCtx, interval)
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}
