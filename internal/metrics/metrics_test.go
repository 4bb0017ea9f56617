package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPU_ObserveAndServe(t *testing.T) {
	c := NewCPU()
	c.ObservePCPU(0, 42.5)
	c.ObserveGuest("g0", 80)
	c.ObserveSpread(1.5)
	c.AddPins(2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0", c) }()

	// Serve binds an ephemeral address; this test only exercises that the
	// server starts and shuts down cleanly, not that the listener address
	// is reachable (net/http.Server does not expose the bound port before
	// ListenAndServe returns).
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not shut down after context cancellation")
	}
}

func TestMemory_ObserveDoesNotPanic(t *testing.T) {
	m := NewMemory()
	m.ObserveHost(500_000, 4_000_000)
	m.ObserveGuest("g0", 160_000, 900_000)
	m.SetCrunch(true)
	m.AddWrites(1)
	m.SetCrunch(false)
}

func TestServe_MetricsEndpointServesText(t *testing.T) {
	c := NewCPU()
	c.ObservePCPU(0, 10)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Serve(ctx, addr, c) }()

	var resp *http.Response
	for range 20 {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vmbalance_cpu_pcpu_utilization_percent")
}
