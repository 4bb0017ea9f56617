package cpubalance

import "github.com/vmbalance/vmbalance/internal/hypervisor"

// Guest is one VM's CPU-relevant state, carried across ticks. It is always
// looked up and mutated by Handle, never by its position in any slice, so a
// sort never corrupts the previous-time counter.
type Guest struct {
	Handle hypervisor.GuestHandle
	Index  int // discovery order, stable; not read by the balancer itself

	MaxVCPUs int
	CurVCPUs int
	Affinity []int // current pCPU per vCPU index, len == CurVCPUs

	CurrentNS   uint64
	PreviousNS  uint64
	HasPrevious bool

	UtilizationPercent float64
}

// PCPU is one physical CPU's attributed load for the current tick.
type PCPU struct {
	ID                 int
	UtilizationPercent float64
}

// PinAction is one vCPU re-pin the LPT pass decided to make.
type PinAction struct {
	Guest *Guest
	VCPU  int
	PCPU  int
}
