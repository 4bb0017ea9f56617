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

	"github.com/vmbalance/vmbalance/internal/hypervisor"
	"github.com/vmbalance/vmbalance/internal/membalance"
	"github.com/vmbalance/vmbalance/internal/metrics"
	"github.com/vmbalance/vmbalance/internal/runtime"
)

func main() {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "membalanced INTERVAL",
		Short: "Rebalance guest memory across a libvirt host's balloon drivers",
		Long: `membalanced samples every active domain's balloon telemetry and the
host's free memory once per INTERVAL seconds, reclaims memory from
over-provisioned guests, and grants it to starved guests without ever
driving the host below its safety reserve.`,
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
		fmt.Fprintln(os.Stderr, "usage: membalanced INTERVAL")
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

	balancer, err := membalance.New(client, logger, membalance.DefaultParams())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if metricsAddr != "" {
		memMetrics := metrics.NewMemory()
		balancer.OnTick = func(host membalance.Host, guests []*membalance.Guest, crunch bool) {
			memMetrics.ObserveHost(uint64(host.FreeKB), uint64(host.TotalKB))
			for _, g := range guests {
				memMetrics.ObserveGuest(g.Handle.String(), uint64(g.UnusedKB), uint64(g.BalloonKB))
			}
			memMetrics.SetCrunch(crunch)
		}
		balancer.OnWritesApplied = func(pass string, n int) {
			memMetrics.AddWrites(n)
		}

		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(serveCtx, metricsAddr, memMetrics); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("membalanced starting", "interval", interval)

	loop := runtime.New(interval, logger)
	if err := loop.Run(ctx, func(tickCtx context.Context) error {
		return balancer.Tick(tickCtx)
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}
