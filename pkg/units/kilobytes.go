// Package units provides small typed wrappers for the quantities the
// balancers pass around, so a raw uint64 is never ambiguous about its scale.
package units

import "fmt"

// Kilobytes is a uint64 wrapper representing a memory size in kibibytes, the
// unit every libvirt memory statistic and balloon target is expressed in.
type Kilobytes uint64

// Humanized returns a human-readable string with an automatically chosen
// unit (KB, MB, GB, TB).
func (k Kilobytes) Humanized() string {
	v := float64(k)
	switch {
	case k >= 1<<30: // 1 TB = 2^30 KB
		return fmt.Sprintf("%.2f TB", v/(1<<30))
	case k >= 1<<20: // 1 GB = 2^20 KB
		return fmt.Sprintf("%.2f GB", v/(1<<20))
	case k >= 1<<10: // 1 MB = 2^10 KB
		return fmt.Sprintf("%.2f MB", v/(1<<10))
	default:
		return fmt.Sprintf("%d KB", k)
	}
}

// MB returns the number of megabytes (1024 base).
func (k Kilobytes) MB() float64 { return float64(k) / 1024 }

// GB returns the number of gigabytes (1024 base).
func (k Kilobytes) GB() float64 { return float64(k) / (1024 * 1024) }
