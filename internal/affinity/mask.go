//go:build linux

// Package affinity builds the vCPU pin bitmask passed to the hypervisor.
//
// The source program this system was distilled from used a single byte as
// the affinity mask, which silently truncates on any host with more than 8
// physical CPUs. This package instead packs one bit per pCPU into as many
// machine words as the host needs, the same word-sized approach
// golang.org/x/sys/unix uses for CPUSet.
package affinity

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// wordBits is the number of bits packed per Mask word (a uint64).
const wordBits = 64

// MaxPCPUs is the largest physical CPU count a Mask can address: the native
// capacity of unix.CPUSet on this platform. PinVCPU callers can use this to
// sanity-check a host's reported pCPU count before building a mask.
func MaxPCPUs() int {
	var set unix.CPUSet
	return int(unsafe.Sizeof(set)) * 8
}

// Mask is a single-CPU affinity bitmask sized to hold pcpuCount bits.
type Mask []uint64

// NewSingle returns a mask with exactly one bit set, for pcpu, wide enough
// to address pcpuCount physical CPUs.
func NewSingle(pcpu, pcpuCount int) Mask {
	words := wordsFor(pcpuCount)
	m := make(Mask, words)
	if pcpu >= 0 && pcpu < pcpuCount {
		m[pcpu/wordBits] |= 1 << uint(pcpu%wordBits)
	}
	return m
}

// wordsFor returns the number of 64-bit words needed to hold pcpuCount bits.
func wordsFor(pcpuCount int) int {
	if pcpuCount <= 0 {
		return 1
	}
	return (pcpuCount + wordBits - 1) / wordBits
}

// Bytes renders the mask as a packed little-endian byte slice, the form
// libvirt's DomainPinVcpu expects (one bit per pCPU, byte 0 holding pCPUs
// 0-7, etc).
func (m Mask) Bytes() []byte {
	out := make([]byte, len(m)*8)
	for i, word := range m {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(word >> (8 * b))
		}
	}
	return out
}

// Set reports whether pcpu is set in the mask.
func (m Mask) Set(pcpu int) bool {
	word := pcpu / wordBits
	if word < 0 || word >= len(m) {
		return false
	}
	return m[word]&(1<<uint(pcpu%wordBits)) != 0
}

// BoolSlice renders the mask as a per-pCPU bool slice, the form the
// libvirt.org/go/libvirt binding's Domain.PinVcpu expects.
func (m Mask) BoolSlice(pcpuCount int) []bool {
	out := make([]bool, pcpuCount)
	for i := range out {
		out[i] = m.Set(i)
	}
	return out
}
