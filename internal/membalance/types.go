package membalance

import (
	"github.com/vmbalance/vmbalance/internal/hypervisor"
	"github.com/vmbalance/vmbalance/pkg/units"
)

// Guest is one VM's memory-relevant state. It is always looked up by Handle,
// never by its position in a slice — the grant pass sorts guests by unused
// memory, and a positional key would silently rebind to the wrong guest
// after that sort.
type Guest struct {
	Handle hypervisor.GuestHandle

	UnusedKB  units.Kilobytes // guest-reported free memory
	BalloonKB units.Kilobytes // current actual balloon size
}

// Host is the node's free/total memory snapshot.
type Host struct {
	FreeKB  units.Kilobytes
	TotalKB units.Kilobytes
}

// Params holds the balancer's tunable thresholds. The zero value is
// not meaningful; use DefaultParams.
type Params struct {
	HostReserveKB      units.Kilobytes
	GuestUnusedFloorKB units.Kilobytes
	// GuestTotalFloorKB is named alongside the other thresholds but, like the
	// original source's identically named threshold, is not read by either
	// pass below; kept for parity with the original parameter table.
	GuestTotalFloorKB  units.Kilobytes
	GuestBalloonCeilKB units.Kilobytes
	GrantStepKB         units.Kilobytes
	HighUnusedRatio     float64
	ReclaimMarginKB     units.Kilobytes
	ReclaimCoefficient  float64
	SafetyHeadroomKB    units.Kilobytes
}

// DefaultParams returns the default tuning thresholds.
func DefaultParams() Params {
	return Params{
		HostReserveKB:      300_000,
		GuestUnusedFloorKB: 150_000,
		GuestTotalFloorKB:  200_000,
		GuestBalloonCeilKB: 2_000_000,
		GrantStepKB:        64_000,
		HighUnusedRatio:    0.30,
		ReclaimMarginKB:    20_000,
		ReclaimCoefficient: 0.80,
		SafetyHeadroomKB:   10_000,
	}
}

// BalloonWrite is one SetBalloonTarget mutation the balancer decided to make.
type BalloonWrite struct {
	Guest    *Guest
	TargetKB units.Kilobytes
}
