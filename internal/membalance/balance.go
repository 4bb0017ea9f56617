// Package membalance implements the memory balancer control loop:
// classifying each guest as over-provisioned or starved, computing
// balloon-target adjustments that respect hysteresis thresholds and host
// safety reserves, and orchestrating release/grant operations without
// driving either side below a floor.
package membalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vmbalance/vmbalance/internal/hypervisor"
	"github.com/vmbalance/vmbalance/pkg/units"
)

// memStatsPeriodSeconds is the period at which the hypervisor refreshes
// balloon telemetry for every guest.
const memStatsPeriodSeconds = 2

// Balancer owns the guest table and the crunch latch across ticks. It is not
// safe for concurrent use; the shared runtime loop calls Tick sequentially.
type Balancer struct {
	client hypervisor.Client
	logger *slog.Logger
	params Params

	guests   []*Guest
	byHandle map[string]*Guest

	crunch    bool
	iteration int

	// OnTick, if set, is called once per tick after sampling with the host
	// snapshot, the guest table, and the crunch latch's value going into
	// this tick's reclaim pass, so an optional metrics exporter can observe
	// every tick without membalance importing a metrics package.
	OnTick func(host Host, guests []*Guest, crunch bool)

	// OnWritesApplied, if set, is called once per pass (reclaim, then
	// grant) with the number of balloon targets written.
	OnWritesApplied func(pass string, n int)
}

// Guest looks up a tracked guest by its hypervisor handle.
func (b *Balancer) Guest(handle string) (*Guest, bool) {
	g, ok := b.byHandle[handle]
	return g, ok
}

// Guests returns the tracked guest table. The returned slice is owned by the
// Balancer and must not be mutated by the caller.
func (b *Balancer) Guests() []*Guest { return b.guests }

// New builds a Balancer from the hypervisor's current active-domain
// snapshot and enables balloon telemetry on every guest.
func New(client hypervisor.Client, logger *slog.Logger, params Params) (*Balancer, error) {
	handles, err := client.ListActive()
	if err != nil {
		return nil, fmt.Errorf("membalance: list active domains: %w", err)
	}

	b := &Balancer{
		client:   client,
		logger:   logger,
		params:   params,
		byHandle: make(map[string]*Guest, len(handles)),
	}
	for _, h := range handles {
		if err := client.SetMemStatsPeriod(h, memStatsPeriodSeconds); err != nil {
			return nil, fmt.Errorf("membalance: set mem stats period for %s: %w", h.String(), err)
		}
		g := &Guest{Handle: h}
		b.guests = append(b.guests, g)
		b.byHandle[h.String()] = g
	}
	return b, nil
}

// Tick samples host and guest memory, runs the reclaim pass, then the grant
// pass, and writes every resulting balloon target to the hypervisor.
func (b *Balancer) Tick(ctx context.Context) error {
	b.iteration++

	host, err := b.sample()
	if err != nil {
		return err
	}

	b.logger.Info("memory tick",
		"iteration", b.iteration,
		"host_free_kb", host.FreeKB,
		"host_total_kb", host.TotalKB,
		"crunch", b.crunch,
	)
	for _, g := range b.guests {
		b.logger.Info("guest memory",
			"guest", g.Handle.String(), "unused_kb", g.UnusedKB, "balloon_kb", g.BalloonKB)
	}
	if b.OnTick != nil {
		b.OnTick(host, b.guests, b.crunch)
	}

	reclaimWrites := Reclaim(b.guests, b.params, b.crunch)
	b.crunch = false // cleared after the reclaim pass regardless of outcome
	if err := b.apply(reclaimWrites, "reclaim"); err != nil {
		return err
	}
	if b.OnWritesApplied != nil {
		b.OnWritesApplied("reclaim", len(reclaimWrites))
	}

	giveWrites, crunchNext := Grant(b.guests, host, b.params)
	b.crunch = crunchNext
	if err := b.apply(giveWrites, "grant"); err != nil {
		return err
	}
	if b.OnWritesApplied != nil {
		b.OnWritesApplied("grant", len(giveWrites))
	}
	if crunchNext {
		b.logger.Info("host budget exhausted, latching crunch for next tick", "iteration", b.iteration)
	}
	return nil
}

func (b *Balancer) sample() (Host, error) {
	hm, err := b.client.NodeMemory()
	if err != nil {
		return Host{}, fmt.Errorf("membalance: node memory: %w", err)
	}
	for _, g := range b.guests {
		stats, err := b.client.MemStats(g.Handle)
		if err != nil {
			return Host{}, fmt.Errorf("membalance: mem stats for %s: %w", g.Handle.String(), err)
		}
		g.UnusedKB = stats.UnusedKB
		g.BalloonKB = stats.BalloonKB
	}
	return Host{FreeKB: hm.FreeKB, TotalKB: hm.TotalKB}, nil
}

func (b *Balancer) apply(writes []BalloonWrite, pass string) error {
	for _, w := range writes {
		if err := b.client.SetBalloonTarget(w.Guest.Handle, w.TargetKB); err != nil {
			b.logger.Error("balloon target write failed", "pass", pass, "guest", w.Guest.Handle.String(), "err", err)
			return fmt.Errorf("membalance: %s: set balloon target for %s: %w", pass, w.Guest.Handle.String(), err)
		}
		b.logger.Info("balloon target written", "pass", pass, "guest", w.Guest.Handle.String(), "target_kb", w.TargetKB)
	}
	return nil
}

// Reclaim is the reclaim pass: marks donors and computes a
// reduced balloon target for each, never below guestUnusedFloor+safetyHeadroom.
func Reclaim(guests []*Guest, p Params, crunch bool) []BalloonWrite {
	var writes []BalloonWrite
	for _, g := range guests {
		if !isDonor(g, p, crunch) {
			continue
		}

		targetUnused := maxKB(scaleKB(g.UnusedKB, p.ReclaimCoefficient), p.GuestUnusedFloorKB+p.SafetyHeadroomKB)
		if targetUnused > g.UnusedKB {
			continue // would give memory back; leave it to the grant pass
		}

		newTarget := (g.BalloonKB - g.UnusedKB) + targetUnused
		writes = append(writes, BalloonWrite{Guest: g, TargetKB: newTarget})
	}
	return writes
}

func isDonor(g *Guest, p Params, crunch bool) bool {
	if crunch {
		return true
	}
	if g.BalloonKB > 0 && float64(g.UnusedKB)/float64(g.BalloonKB) > p.HighUnusedRatio {
		return true
	}
	if g.UnusedKB > p.GuestUnusedFloorKB+p.ReclaimMarginKB {
		return true
	}
	if g.BalloonKB >= p.GuestBalloonCeilKB {
		return true
	}
	return false
}

// Grant is the grant pass: guests are visited in descending
// order of unused memory (the handle, not the position, identifies each
// guest afterward, so nothing downstream is affected by the sort). Each
// starved guest is granted one grant step at a time until the host budget
// runs out, at which point the crunch latch is set for the next tick's
// reclaim pass and the pass stops.
func Grant(guests []*Guest, host Host, p Params) ([]BalloonWrite, bool) {
	sorted := make([]*Guest, len(guests))
	copy(sorted, guests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UnusedKB > sorted[j].UnusedKB
	})

	budget := int64(0)
	if host.FreeKB > p.HostReserveKB {
		budget = int64(host.FreeKB - p.HostReserveKB)
	}

	var writes []BalloonWrite
	crunch := false
	for _, g := range sorted {
		if g.BalloonKB >= p.GuestBalloonCeilKB {
			continue
		}
		if g.UnusedKB >= p.GuestUnusedFloorKB {
			continue
		}
		if budget > int64(p.GrantStepKB) {
			budget -= int64(p.GrantStepKB)
			writes = append(writes, BalloonWrite{Guest: g, TargetKB: g.BalloonKB + p.GrantStepKB})
			continue
		}
		crunch = true
		break
	}
	return writes, crunch
}

func maxKB(a, b units.Kilobytes) units.Kilobytes {
	if a > b {
		return a
	}
	return b
}

func scaleKB(k units.Kilobytes, factor float64) units.Kilobytes {
	return units.Kilobytes(float64(k) * factor)
}
