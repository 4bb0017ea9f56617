// Package metrics exposes an optional Prometheus /metrics endpoint. It is
// purely additive: nothing in cpubalance or membalance depends on it, and a
// daemon run without --metrics-addr never touches this package.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CPU holds the gauges the CPU balancer updates once per tick.
type CPU struct {
	reg *prometheus.Registry

	pcpuUtilization   *prometheus.GaugeVec
	guestUtilization  *prometheus.GaugeVec
	imbalanceStddev   prometheus.Gauge
	pinsApplied       prometheus.Counter
}

// NewCPU builds a CPU metrics set registered on its own registry, so a
// process embedding this package never collides with another package's use
// of the default Prometheus registry.
func NewCPU() *CPU {
	c := &CPU{
		reg: prometheus.NewRegistry(),
		pcpuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "cpu",
			Name:      "pcpu_utilization_percent",
			Help:      "Attributed utilization of each physical CPU, as of the last tick.",
		}, []string{"pcpu"}),
		guestUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "cpu",
			Name:      "guest_utilization_percent",
			Help:      "Derived CPU utilization of each guest, as of the last tick.",
		}, []string{"guest"}),
		imbalanceStddev: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "cpu",
			Name:      "pcpu_utilization_stddev",
			Help:      "Population standard deviation of per-pCPU utilization, as of the last tick.",
		}),
		pinsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmbalance",
			Subsystem: "cpu",
			Name:      "vcpu_pins_applied_total",
			Help:      "Total vCPU re-pin operations applied across all ticks.",
		}),
	}
	c.reg.MustRegister(c.pcpuUtilization, c.guestUtilization, c.imbalanceStddev, c.pinsApplied)
	return c
}

// ObservePCPU records one pCPU's attributed utilization for the current tick.
func (c *CPU) ObservePCPU(id int, utilizationPercent float64) {
	c.pcpuUtilization.WithLabelValues(strconv.Itoa(id)).Set(utilizationPercent)
}

// ObserveGuest records one guest's derived utilization for the current tick.
func (c *CPU) ObserveGuest(guest string, utilizationPercent float64) {
	c.guestUtilization.WithLabelValues(guest).Set(utilizationPercent)
}

// ObserveSpread records the tick's imbalance standard deviation.
func (c *CPU) ObserveSpread(stddev float64) {
	c.imbalanceStddev.Set(stddev)
}

// AddPins increments the applied-pin counter by n.
func (c *CPU) AddPins(n int) {
	c.pinsApplied.Add(float64(n))
}

// Memory holds the gauges the memory balancer updates once per tick.
type Memory struct {
	reg *prometheus.Registry

	hostFreeKB    prometheus.Gauge
	hostTotalKB   prometheus.Gauge
	guestUnusedKB *prometheus.GaugeVec
	guestBalloonKB *prometheus.GaugeVec
	crunchLatched prometheus.Gauge
	writesApplied prometheus.Counter
}

// NewMemory builds a Memory metrics set on its own registry.
func NewMemory() *Memory {
	m := &Memory{
		reg: prometheus.NewRegistry(),
		hostFreeKB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "host_free_kb",
			Help:      "Host free memory, as of the last tick.",
		}),
		hostTotalKB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "host_total_kb",
			Help:      "Host total memory, as of the last tick.",
		}),
		guestUnusedKB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "guest_unused_kb",
			Help:      "Guest-reported unused memory, as of the last tick.",
		}, []string{"guest"}),
		guestBalloonKB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "guest_balloon_kb",
			Help:      "Guest's current balloon size, as of the last tick.",
		}, []string{"guest"}),
		crunchLatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "crunch_latched",
			Help:      "1 if the crunch latch is set for the next tick's reclaim pass, 0 otherwise.",
		}),
		writesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmbalance",
			Subsystem: "memory",
			Name:      "balloon_writes_applied_total",
			Help:      "Total SetBalloonTarget calls applied across all ticks.",
		}),
	}
	m.reg.MustRegister(m.hostFreeKB, m.hostTotalKB, m.guestUnusedKB, m.guestBalloonKB, m.crunchLatched, m.writesApplied)
	return m
}

// ObserveHost records the tick's host memory snapshot.
func (m *Memory) ObserveHost(freeKB, totalKB uint64) {
	m.hostFreeKB.Set(float64(freeKB))
	m.hostTotalKB.Set(float64(totalKB))
}

// ObserveGuest records one guest's memory telemetry for the current tick.
func (m *Memory) ObserveGuest(guest string, unusedKB, balloonKB uint64) {
	m.guestUnusedKB.WithLabelValues(guest).Set(float64(unusedKB))
	m.guestBalloonKB.WithLabelValues(guest).Set(float64(balloonKB))
}

// SetCrunch records whether the crunch latch is set.
func (m *Memory) SetCrunch(crunch bool) {
	if crunch {
		m.crunchLatched.Set(1)
		return
	}
	m.crunchLatched.Set(0)
}

// AddWrites increments the applied-write counter by n.
func (m *Memory) AddWrites(n int) {
	m.writesApplied.Add(float64(n))
}

// registerer is satisfied by both *CPU and *Memory; Serve accepts either so
// each daemon only ever stands up the registry it actually populates.
type registerer interface {
	registry() *prometheus.Registry
}

func (c *CPU) registry() *prometheus.Registry    { return c.reg }
func (m *Memory) registry() *prometheus.Registry { return m.reg }

// Serve runs an HTTP server exposing /metrics on addr until ctx is
// cancelled, at which point it shuts down gracefully. It blocks until the
// server has fully stopped.
func Serve(ctx context.Context, addr string, r registerer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
