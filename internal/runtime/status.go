package runtime

import (
	"net/http"
	"runtime"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
)

// DispatcherStatus describes one dispatcher and its throttle.
type DispatcherStatus struct {
	Subscription string   `json:"subscription"`
	Sessions     bool     `json:"sessions"`
	Degree       int      `json:"degree"`
	MaxDegree    int      `json:"max_degree"`
	InFlight     int      `json:"in_flight"`
	Loops        []string `json:"loops"`
}

// ResourceUsage is a coarse sample of process CPU and memory.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// Status is the payload of the status endpoint.
type Status struct {
	Transport   string             `json:"transport"`
	Dispatchers []DispatcherStatus `json:"dispatchers"`
	DeadLetters telemetry.Snapshot `json:"dead_letters"`
	Resources   ResourceUsage      `json:"resources"`
}

// Status reports the dispatchers, the dead-letter statistics and resource usage.
func (s *Service) Status() Status {
	dispatchers := s.Dispatchers()
	out := Status{
		Transport:   s.Conf.Transport,
		Dispatchers: make([]DispatcherStatus, 0, len(dispatchers)),
		DeadLetters: s.metrics.Snapshot(),
		Resources:   s.resources.Snapshot(),
	}
	for _, d := range dispatchers {
		sub := d.Subscription()
		ctrl := d.Throttle()
		states := d.States()
		loops := make([]string, len(states))
		for i, st := range states {
			loops[i] = st.String()
		}
		out.Dispatchers = append(out.Dispatchers, DispatcherStatus{
			Subscription: sub.Key(),
			Sessions:     sub.SessionEnabled,
			Degree:       ctrl.Degree(),
			MaxDegree:    ctrl.Max(),
			InFlight:     ctrl.InFlight(),
			Loops:        loops,
		})
	}
	return out
}

// StatusHandler serves Status as JSON.
func (s *Service) StatusHandler() http.Handler {
	return http.HandlerFunc(s.handleGetStatus)
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := codecpkg.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// resourceTracker derives CPU usage from the delta between two samples.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

// Snapshot reports zero CPU on the first call.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	var (
		now        = time.Now()
		cpuPercent float64
	)
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpuSeconds := v.Float64()
		if !r.lastSample.IsZero() {
			if wall := now.Sub(r.lastSample).Seconds(); wall > 0 && r.numCPU > 0 {
				cpuPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
