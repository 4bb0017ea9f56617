// Package hvmock is an in-memory hypervisor.Client used by the CPU
// balancer's tests. It holds a fixed, synthetic guest/host table
// that the test sets up and mutates directly, rather than touching a real
// hypervisor connection.
package hvmock

import (
	"fmt"

	"github.com/vmbalance/vmbalance/internal/hypervisor"
	"github.com/vmbalance/vmbalance/pkg/units"
)

// Handle is a simple name-keyed hypervisor.GuestHandle.
type Handle string

func (h Handle) String() string { return string(h) }

// Guest is one synthetic domain's full state: CPU time counters, vCPU
// affinity, and memory telemetry. Tests mutate these fields directly between
// Client calls to simulate the passage of ticks.
type Guest struct {
	Handle    Handle
	CPUTimeNS uint64
	MaxVCPUs  int
	CurVCPUs  int
	Affinity  []int // current pCPU per vCPU index, len == CurVCPUs

	UnusedKB  units.Kilobytes
	BalloonKB units.Kilobytes
}

// Client is an in-memory hypervisor.Client. Fields are exported so tests can
// inspect state and PinCalls/BalloonCalls to assert on mutations emitted by
// a balancer under test.
type Client struct {
	Guests    map[Handle]*Guest
	Order     []Handle // enumeration order, stable across ticks
	PCPUs     int
	Host      hypervisor.HostMemory

	PinCalls     []PinCall
	BalloonCalls []BalloonCall

	// FailPin, when set, makes PinVCPU fail for the named guest once.
	FailPin map[Handle]error
}

// PinCall records one PinVCPU invocation.
type PinCall struct {
	Guest Handle
	VCPU  int
	PCPU  int
}

// BalloonCall records one SetBalloonTarget invocation.
type BalloonCall struct {
	Guest    Handle
	TargetKB units.Kilobytes
}

// New returns an empty mock client with pcpuCount physical CPUs.
func New(pcpuCount int) *Client {
	return &Client{
		Guests:  make(map[Handle]*Guest),
		PCPUs:   pcpuCount,
		FailPin: make(map[Handle]error),
	}
}

// AddGuest registers a synthetic guest and preserves enumeration order.
func (c *Client) AddGuest(g *Guest) {
	c.Guests[g.Handle] = g
	c.Order = append(c.Order, g.Handle)
}

func (c *Client) get(g hypervisor.GuestHandle) (*Guest, error) {
	h, ok := g.(Handle)
	if !ok {
		return nil, fmt.Errorf("hvmock: not a mock handle: %T", g)
	}
	guest, ok := c.Guests[h]
	if !ok {
		return nil, fmt.Errorf("hvmock: unknown guest %q", h)
	}
	return guest, nil
}

func (c *Client) ListActive() ([]hypervisor.GuestHandle, error) {
	out := make([]hypervisor.GuestHandle, 0, len(c.Order))
	for _, h := range c.Order {
		out = append(out, h)
	}
	return out, nil
}

func (c *Client) PCPUCount() (int, error) { return c.PCPUs, nil }

func (c *Client) CPUTimeNS(g hypervisor.GuestHandle) (uint64, error) {
	guest, err := c.get(g)
	if err != nil {
		return 0, err
	}
	return guest.CPUTimeNS, nil
}

func (c *Client) VCPUMap(g hypervisor.GuestHandle, pcpuCount int) (hypervisor.VCPUMap, error) {
	guest, err := c.get(g)
	if err != nil {
		return hypervisor.VCPUMap{}, err
	}
	vcpus := make([]hypervisor.VCPUInfo, len(guest.Affinity))
	for i, pcpu := range guest.Affinity {
		vcpus[i] = hypervisor.VCPUInfo{ID: i, PCPU: pcpu}
	}
	return hypervisor.VCPUMap{
		MaxVCPUs: guest.MaxVCPUs,
		CurVCPUs: guest.CurVCPUs,
		VCPUs:    vcpus,
	}, nil
}

func (c *Client) PinVCPU(g hypervisor.GuestHandle, vcpu int, pcpu int, pcpuCount int) error {
	guest, err := c.get(g)
	if err != nil {
		return err
	}
	if errFn, ok := c.FailPin[guest.Handle]; ok && errFn != nil {
		delete(c.FailPin, guest.Handle)
		return errFn
	}
	if vcpu < 0 || vcpu >= len(guest.Affinity) {
		return fmt.Errorf("hvmock: vcpu %d out of range for %q", vcpu, guest.Handle)
	}
	guest.Affinity[vcpu] = pcpu
	c.PinCalls = append(c.PinCalls, PinCall{Guest: guest.Handle, VCPU: vcpu, PCPU: pcpu})
	return nil
}

func (c *Client) NodeMemory() (hypervisor.HostMemory, error) { return c.Host, nil }

func (c *Client) SetMemStatsPeriod(g hypervisor.GuestHandle, seconds int) error {
	_, err := c.get(g)
	return err
}

func (c *Client) MemStats(g hypervisor.GuestHandle) (hypervisor.MemStats, error) {
	guest, err := c.get(g)
	if err != nil {
		return hypervisor.MemStats{}, err
	}
	return hypervisor.MemStats{UnusedKB: guest.UnusedKB, BalloonKB: guest.BalloonKB}, nil
}

func (c *Client) SetBalloonTarget(g hypervisor.GuestHandle, targetKB units.Kilobytes) error {
	guest, err := c.get(g)
	if err != nil {
		return err
	}
	guest.BalloonKB = targetKB
	c.BalloonCalls = append(c.BalloonCalls, BalloonCall{Guest: guest.Handle, TargetKB: targetKB})
	return nil
}

func (c *Client) Close() error { return nil }
