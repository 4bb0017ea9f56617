// Package hypervisor abstracts the local libvirt hypervisor as a small,
// policy-free read/write surface: enumerate active guests, sample CPU time
// and vCPU affinity, read node memory, sample guest balloon stats, and
// mutate vCPU pinning or balloon targets.
//
// Overview
//
//   - Connect opens the libvirt-backed Client. Client interface:
//     ListActive, PCPUCount, CPUTimeNS, VCPUMap, PinVCPU,
//     NodeMemory, SetMemStatsPeriod, MemStats, SetBalloonTarget, Close.
//
//     Every balancer loop calls these in the same order each tick: sample,
//     then decide (in the caller, not here), then mutate. This package
//     performs no policy; it normalizes units (nanoseconds, kilobytes) and
//     returns raw samples, leaving every decision to the caller.
//
//   - Backends:
//
//   - libvirt (production): wraps libvirt.org/go/libvirt against the local
//     "qemu:///system" URI.
//
//   - hvmock (tests): an in-memory Client driven by synthetic guest/host
//     tables, used by internal/cpubalance's tests.
//
//   - Errors (errs.go): AdapterError wraps every failure with a Kind
//     (KindConnect, KindQuery, KindMutate) so callers can log which phase
//     of a tick failed without string-matching.
//
// See also
//
//   - internal/cpubalance and internal/membalance, which make every sampling
//     and mutating call; cmd/ only calls Connect and Close.
package hypervisor
