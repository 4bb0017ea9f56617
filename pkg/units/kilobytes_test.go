package units

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKilobytes_Humanized_Boundaries(t *testing.T) {
	cases := []struct {
		in   Kilobytes
		want string
	}{
		{Kilobytes(0), "0 KB"},
		{Kilobytes(1), "1 KB"},
		{Kilobytes(1023), "1023 KB"},
		{Kilobytes(1024), "1.00 MB"},
		{Kilobytes(1024*1024 - 1), "1024.00 MB"},
		{Kilobytes(1024 * 1024), "1.00 GB"},
		{Kilobytes(1024*1024*1024 - 1), "1024.00 GB"},
		{Kilobytes(1024 * 1024 * 1024), "1.00 TB"},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d_%d", i, uint64(tc.in)), func(t *testing.T) {
			got := tc.in.Humanized()
			require.Equal(t, tc.want, got)
		})
	}
}

func TestKilobytes_Humanized_NonRound(t *testing.T) {
	assert.Equal(t, "1.50 MB", Kilobytes(1536).Humanized())

	kb := Kilobytes(uint64(math.Round(2.75 * float64(1<<20))))
	assert.Equal(t, "2.75 GB", kb.Humanized())
}

func TestKilobytes_UnitAccessors(t *testing.T) {
	assert.InDelta(t, 1.0, Kilobytes(1024).MB(), 1e-12)
	assert.InDelta(t, 1.0, Kilobytes(1<<20).GB(), 1e-12)

	k := Kilobytes(1536)
	assert.InDelta(t, 1.5, k.MB(), 1e-12)
}
