package hypervisor

import "github.com/vmbalance/vmbalance/pkg/units"

// GuestHandle is the opaque identity of an active domain as returned by the
// hypervisor. It is stable for the lifetime of the guest; it is never a
// positional index.
type GuestHandle interface {
	// String returns a short, loggable identifier (typically the domain name).
	String() string
}

// VCPUInfo is one vCPU's current affinity, as reported by the hypervisor.
type VCPUInfo struct {
	ID       int // vCPU index
	PCPU     int // pCPU it is currently pinned to
}

// VCPUMap is a guest's full vCPU view: its maximum and current vCPU counts,
// plus the current affinity of every live vCPU, one entry per live vCPU.
type VCPUMap struct {
	MaxVCPUs int
	CurVCPUs int
	VCPUs    []VCPUInfo
}

// HostMemory is the node's free and total memory, in kilobytes.
type HostMemory struct {
	FreeKB  units.Kilobytes
	TotalKB units.Kilobytes
}

// MemStats is a guest's balloon telemetry, in kilobytes.
type MemStats struct {
	UnusedKB units.Kilobytes // guest-reported free memory inside the guest
	BalloonKB units.Kilobytes // current actual balloon size
}

// Client is the uniform read/write surface over a single hypervisor
// connection. Every method fails with an *AdapterError categorizing the
// failure as Connect, Query, or Mutate. Client performs no policy: it
// normalizes units and returns raw samples, leaving all decisions to the
// balancer that calls it.
type Client interface {
	// ListActive returns the handles of all currently active domains.
	ListActive() ([]GuestHandle, error)

	// PCPUCount returns the number of physical CPUs on the host.
	PCPUCount() (int, error)

	// CPUTimeNS returns the guest's cumulative busy time across all vCPUs,
	// in nanoseconds, since guest boot.
	CPUTimeNS(g GuestHandle) (uint64, error)

	// VCPUMap returns the guest's current vCPU view and affinity map.
	VCPUMap(g GuestHandle, pcpuCount int) (VCPUMap, error)

	// PinVCPU restricts vcpu to run only on pcpu, using a single-CPU
	// affinity mask sized to pcpuCount bits.
	PinVCPU(g GuestHandle, vcpu int, pcpu int, pcpuCount int) error

	// NodeMemory returns the host's free and total memory.
	NodeMemory() (HostMemory, error)

	// SetMemStatsPeriod enables balloon telemetry collection for the guest
	// at the given period, in seconds.
	SetMemStatsPeriod(g GuestHandle, seconds int) error

	// MemStats returns the guest's unused and actual-balloon memory.
	MemStats(g GuestHandle) (MemStats, error)

	// SetBalloonTarget requests the balloon driver move the guest's actual
	// balloon size toward targetKB.
	SetBalloonTarget(g GuestHandle, targetKB units.Kilobytes) error

	// Close releases the underlying hypervisor connection. It is safe to
	// call Close more than once.
	Close() error
}
