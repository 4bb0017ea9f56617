//go:build linux

package hypervisor

import (
	"fmt"

	libvirt "libvirt.org/go/libvirt"

	"github.com/vmbalance/vmbalance/internal/affinity"
	"github.com/vmbalance/vmbalance/pkg/units"
)

// DefaultURI is the hard-coded local hypervisor endpoint. This deliberately
// consults no environment variable for this.
const DefaultURI = "qemu:///system"

// memStatsPeriodSeconds is the period at which libvirt refreshes balloon
// telemetry for every guest; it is set once at startup.
const memStatsPeriodSeconds = 2

type libvirtHandle struct {
	domain *libvirt.Domain
	name   string
}

func (h *libvirtHandle) String() string { return h.name }

// libvirtClient implements Client against a real libvirtd connection.
type libvirtClient struct {
	conn *libvirt.Connect
}

// Connect binds to the local hypervisor endpoint. It does not enable balloon
// telemetry; callers do that per guest through SetMemStatsPeriod.
func Connect() (Client, error) {
	conn, err := libvirt.NewConnect(DefaultURI)
	if err != nil {
		return nil, connectErr("NewConnect", err)
	}
	return &libvirtClient{conn: conn}, nil
}

func (c *libvirtClient) ListActive() ([]GuestHandle, error) {
	doms, err := c.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, queryErr("ListAllDomains", err)
	}
	out := make([]GuestHandle, 0, len(doms))
	for i := range doms {
		d := doms[i]
		name, nerr := d.GetName()
		if nerr != nil {
			name = fmt.Sprintf("domain-%d", i)
		}
		out = append(out, &libvirtHandle{domain: &d, name: name})
	}
	return out, nil
}

func (c *libvirtClient) PCPUCount() (int, error) {
	cpuMap, _, err := c.conn.GetCPUMap(0)
	if err != nil {
		return 0, queryErr("GetCPUMap", err)
	}
	count := len(cpuMap)
	if count > affinity.MaxPCPUs() {
		return 0, queryErr("GetCPUMap", fmt.Errorf("host reports %d physical CPUs, exceeding this platform's %d-bit affinity mask capacity", count, affinity.MaxPCPUs()))
	}
	return count, nil
}

func (c *libvirtClient) CPUTimeNS(g GuestHandle) (uint64, error) {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return 0, err
	}
	stats, err := h.domain.GetCPUStats(-1, 1, 0)
	if err != nil {
		return 0, queryErr("GetCPUStats", err)
	}
	if len(stats) == 0 || !stats[0].CpuTimeSet {
		return 0, nil
	}
	return stats[0].CpuTime, nil
}

func (c *libvirtClient) VCPUMap(g GuestHandle, pcpuCount int) (VCPUMap, error) {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return VCPUMap{}, err
	}

	maxVCPUs, err := h.domain.GetVcpusFlags(libvirt.DOMAIN_VCPU_MAXIMUM)
	if err != nil {
		return VCPUMap{}, queryErr("GetVcpusFlags(MAXIMUM)", err)
	}
	curVCPUs, err := h.domain.GetVcpusFlags(libvirt.DOMAIN_VCPU_CURRENT)
	if err != nil {
		return VCPUMap{}, queryErr("GetVcpusFlags(CURRENT)", err)
	}

	infos, cpuMaps, err := h.domain.GetVcpus(curVCPUs, pcpuCount)
	if err != nil {
		return VCPUMap{}, queryErr("GetVcpus", err)
	}

	vcpus := make([]VCPUInfo, 0, len(infos))
	for i, info := range infos {
		pcpu := info.Cpu
		if i < len(cpuMaps) {
			for bit, pinned := range cpuMaps[i] {
				if pinned {
					pcpu = bit
					break
				}
			}
		}
		vcpus = append(vcpus, VCPUInfo{ID: int(info.Number), PCPU: pcpu})
	}

	return VCPUMap{MaxVCPUs: maxVCPUs, CurVCPUs: curVCPUs, VCPUs: vcpus}, nil
}

func (c *libvirtClient) PinVCPU(g GuestHandle, vcpu int, pcpu int, pcpuCount int) error {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return err
	}
	mask := affinity.NewSingle(pcpu, pcpuCount)
	if err := h.domain.PinVcpu(uint(vcpu), mask.BoolSlice(pcpuCount)); err != nil {
		return mutateErr("PinVcpu", err)
	}
	return nil
}

func (c *libvirtClient) NodeMemory() (HostMemory, error) {
	stats, err := c.conn.GetMemoryStats(libvirt.NODE_MEMORY_STATS_ALL_CELLS, 0)
	if err != nil {
		return HostMemory{}, queryErr("GetMemoryStats", err)
	}
	return HostMemory{
		FreeKB:  units.Kilobytes(stats.Free),
		TotalKB: units.Kilobytes(stats.Total),
	}, nil
}

func (c *libvirtClient) SetMemStatsPeriod(g GuestHandle, seconds int) error {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return err
	}
	if err := h.domain.SetMemoryStatsPeriod(seconds, libvirt.DOMAIN_AFFECT_LIVE); err != nil {
		return mutateErr("SetMemoryStatsPeriod", err)
	}
	return nil
}

func (c *libvirtClient) MemStats(g GuestHandle) (MemStats, error) {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return MemStats{}, err
	}
	stats, err := h.domain.MemoryStats(uint32(libvirt.DOMAIN_MEMORY_STAT_NR), 0)
	if err != nil {
		return MemStats{}, queryErr("MemoryStats", err)
	}
	var out MemStats
	for _, s := range stats {
		switch s.Tag {
		case int32(libvirt.DOMAIN_MEMORY_STAT_UNUSED):
			out.UnusedKB = units.Kilobytes(s.Val)
		case int32(libvirt.DOMAIN_MEMORY_STAT_ACTUAL_BALLOON):
			out.BalloonKB = units.Kilobytes(s.Val)
		}
	}
	return out, nil
}

func (c *libvirtClient) SetBalloonTarget(g GuestHandle, targetKB units.Kilobytes) error {
	h, err := asLibvirtHandle(g)
	if err != nil {
		return err
	}
	if err := h.domain.SetMemoryFlags(uint64(targetKB), libvirt.DOMAIN_AFFECT_LIVE); err != nil {
		return mutateErr("SetMemoryFlags", err)
	}
	return nil
}

func (c *libvirtClient) Close() error {
	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return connectErr("Close", err)
	}
	return nil
}

func asLibvirtHandle(g GuestHandle) (*libvirtHandle, error) {
	h, ok := g.(*libvirtHandle)
	if !ok {
		return nil, queryErr("handle", fmt.Errorf("not a libvirt guest handle: %T", g))
	}
	return h, nil
}
