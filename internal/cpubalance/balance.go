// Package cpubalance implements the CPU balancer control loop: deriving
// per-physical-CPU load from per-guest CPU-time samples, deciding whether
// imbalance is significant enough to act, and computing a new vCPU→pCPU
// pinning that flattens the load distribution.
package cpubalance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/vmbalance/vmbalance/internal/hypervisor"
)

// imbalanceRatio is the spread, as a fraction of the mean, below which the
// balancer declares the system balanced and skips re-pinning.
const imbalanceRatio = 0.05

// Balancer owns the guest table and runs one tick at a time. It is not safe
// for concurrent use; the shared runtime loop calls Tick sequentially.
type Balancer struct {
	client    hypervisor.Client
	logger    *slog.Logger
	pcpuCount int

	guests   []*Guest
	byHandle map[string]*Guest

	iteration int

	// OnTick, if set, is called once per tick after attribution with the
	// current pCPU loads and guest table, before any re-pin decision is
	// made. It exists so an optional metrics exporter can observe every
	// tick without cpubalance importing a metrics package.
	OnTick func(pcpus []PCPU, guests []*Guest)

	// OnPinsApplied, if set, is called once per tick after any re-pins have
	// been written to the hypervisor, with the count applied (0 when the
	// tick was balanced and skipped replanning).
	OnPinsApplied func(n int)
}

// New builds a Balancer from the hypervisor's current active-domain
// snapshot. The guest table is built once, at startup, and
// never resized for the life of the process.
func New(client hypervisor.Client, logger *slog.Logger) (*Balancer, error) {
	handles, err := client.ListActive()
	if err != nil {
		return nil, fmt.Errorf("cpubalance: list active domains: %w", err)
	}
	pcpuCount, err := client.PCPUCount()
	if err != nil {
		return nil, fmt.Errorf("cpubalance: pcpu count: %w", err)
	}

	b := &Balancer{
		client:    client,
		logger:    logger,
		pcpuCount: pcpuCount,
		byHandle:  make(map[string]*Guest, len(handles)),
	}
	for i, h := range handles {
		g := &Guest{Handle: h, Index: i}
		b.guests = append(b.guests, g)
		b.byHandle[h.String()] = g
	}
	return b, nil
}

// PCPUCount returns the host's physical CPU count as observed at startup.
func (b *Balancer) PCPUCount() int { return b.pcpuCount }

// Guest looks up a tracked guest by its hypervisor handle. Callers that only
// have a handle string (e.g. a metrics exporter matching up a log line) use
// this instead of scanning the guest table positionally.
func (b *Balancer) Guest(handle string) (*Guest, bool) {
	g, ok := b.byHandle[handle]
	return g, ok
}

// Guests returns the tracked guest table. The returned slice is owned by the
// Balancer and must not be mutated by the caller.
func (b *Balancer) Guests() []*Guest { return b.guests }

// Tick samples every guest, derives utilization, attributes it to pCPUs,
// and re-pins if the distribution is imbalanced enough to warrant it.
func (b *Balancer) Tick(ctx context.Context, interval time.Duration) error {
	b.iteration++

	if err := b.sample(interval); err != nil {
		return err
	}

	pcpus := Attribute(b.guests, b.pcpuCount)
	mean, stddev := Spread(pcpus)

	if b.OnTick != nil {
		b.OnTick(pcpus, b.guests)
	}

	b.logger.Info("cpu tick",
		"iteration", b.iteration,
		"pcpus", b.pcpuCount,
		"mean_utilization", mean,
		"stddev", stddev,
	)

	if Balanced(mean, stddev) {
		b.logger.Info("cpu balanced, no action", "iteration", b.iteration)
		if b.OnPinsApplied != nil {
			b.OnPinsApplied(0)
		}
		return nil
	}

	actions := Replan(b.guests, b.pcpuCount)
	for _, act := range actions {
		if err := b.client.PinVCPU(act.Guest.Handle, act.VCPU, act.PCPU, b.pcpuCount); err != nil {
			b.logger.Error("pin failed, aborting tick",
				"guest", act.Guest.Handle.String(), "vcpu", act.VCPU, "pcpu", act.PCPU, "err", err)
			return fmt.Errorf("cpubalance: pin vcpu %d of %s to pcpu %d: %w",
				act.VCPU, act.Guest.Handle.String(), act.PCPU, err)
		}
		act.Guest.Affinity[act.VCPU] = act.PCPU
		b.logger.Info("pinned vcpu", "guest", act.Guest.Handle.String(), "vcpu", act.VCPU, "pcpu", act.PCPU)
	}
	if b.OnPinsApplied != nil {
		b.OnPinsApplied(len(actions))
	}
	return nil
}

// sample reads current CPU time and vCPU affinity for every guest, and
// derives each guest's utilization over the elapsed interval.
func (b *Balancer) sample(interval time.Duration) error {
	for _, g := range b.guests {
		current, err := b.client.CPUTimeNS(g.Handle)
		if err != nil {
			return fmt.Errorf("cpubalance: cpu time for %s: %w", g.Handle.String(), err)
		}
		vmap, err := b.client.VCPUMap(g.Handle, b.pcpuCount)
		if err != nil {
			return fmt.Errorf("cpubalance: vcpu map for %s: %w", g.Handle.String(), err)
		}

		g.MaxVCPUs = vmap.MaxVCPUs
		g.CurVCPUs = vmap.CurVCPUs
		if len(g.Affinity) != vmap.CurVCPUs {
			g.Affinity = make([]int, vmap.CurVCPUs)
		}
		for _, vc := range vmap.VCPUs {
			if vc.ID >= 0 && vc.ID < len(g.Affinity) {
				g.Affinity[vc.ID] = vc.PCPU
			}
		}

		g.CurrentNS = current
		DeriveUtilization(g, interval.Seconds())
	}
	return nil
}

// DeriveUtilization applies the utilization formula in place: for a guest
// with a previous sample, u = 100·(current−previous)/(interval·10^9); for a
// guest without one, utilization stays 0 and the counter is seeded for next
// tick.
func DeriveUtilization(g *Guest, intervalSeconds float64) {
	if g.HasPrevious {
		g.UtilizationPercent = 100 * float64(g.CurrentNS-g.PreviousNS) / (intervalSeconds * 1e9)
	} else {
		g.UtilizationPercent = 0
	}
	g.PreviousNS = g.CurrentNS
	g.HasPrevious = true
}

// Attribute sums each guest's utilization across its current vCPUs onto the
// pCPU each vCPU is presently pinned to.
func Attribute(guests []*Guest, pcpuCount int) []PCPU {
	pcpus := make([]PCPU, pcpuCount)
	for i := range pcpus {
		pcpus[i].ID = i
	}
	for _, g := range guests {
		if g.CurVCPUs == 0 {
			continue
		}
		share := g.UtilizationPercent / float64(g.CurVCPUs)
		for _, pcpu := range g.Affinity {
			if pcpu >= 0 && pcpu < pcpuCount {
				pcpus[pcpu].UtilizationPercent += share
			}
		}
	}
	return pcpus
}

// Spread returns the mean and population standard deviation of pCPU
// utilization.
func Spread(pcpus []PCPU) (mean, stddev float64) {
	if len(pcpus) == 0 {
		return 0, 0
	}
	var sum float64
	for _, p := range pcpus {
		sum += p.UtilizationPercent
	}
	mean = sum / float64(len(pcpus))

	var sqSum float64
	for _, p := range pcpus {
		d := p.UtilizationPercent - mean
		sqSum += d * d
	}
	stddev = math.Sqrt(sqSum / float64(len(pcpus)))
	return mean, stddev
}

// Balanced reports whether the spread is within the imbalance threshold.
func Balanced(mean, stddev float64) bool {
	if mean == 0 {
		return true
	}
	return stddev <= imbalanceRatio*mean
}

// Replan produces a new placement using a longest-processing-time-first
// greedy: guests sorted by descending utilization, each vCPU
// assigned in index order to the pCPU with the smallest running load, ties
// broken by lowest pCPU index.
func Replan(guests []*Guest, pcpuCount int) []PinAction {
	sorted := make([]*Guest, len(guests))
	copy(sorted, guests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UtilizationPercent > sorted[j].UtilizationPercent
	})

	load := make([]float64, pcpuCount)
	var actions []PinAction
	for _, g := range sorted {
		if g.CurVCPUs == 0 {
			continue
		}
		share := g.UtilizationPercent / float64(g.CurVCPUs)
		for vcpu := 0; vcpu < g.CurVCPUs; vcpu++ {
			target := minLoadIndex(load)
			load[target] += share
			actions = append(actions, PinAction{Guest: g, VCPU: vcpu, PCPU: target})
		}
	}
	return actions
}

func minLoadIndex(load []float64) int {
	best := 0
	for i := 1; i < len(load); i++ {
		if load[i] < load[best] {
			best = i
		}
	}
	return best
}
