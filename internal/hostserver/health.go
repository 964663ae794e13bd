package hostserver

import (
	"sort"
	"sync"
	"time"
)

// failureThreshold is the number of consecutive failures after which a loop
// is reported as failing.
const failureThreshold = 3

type LoopStatus string

const (
	LoopHealthy LoopStatus = "healthy"
	LoopFailing LoopStatus = "failing"
)

// LoopHealth is a point-in-time view of one background loop.
type LoopHealth struct {
	Name        string     `json:"name"`
	Status      LoopStatus `json:"status"`
	Failures    int        `json:"consecutiveFailures"`
	LastError   string     `json:"lastError,omitempty"`
	LastFailure time.Time  `json:"lastFailure,omitempty"`
	LastRun     time.Time  `json:"lastRun,omitempty"`
}

// loopHealth tracks consecutive failure counts per timer loop. Loops record
// from their own goroutines while /healthz reads snapshots.
type loopHealth struct {
	mu    sync.Mutex
	loops map[string]*LoopHealth
}

func newLoopHealth() *loopHealth {
	return &loopHealth{loops: make(map[string]*LoopHealth)}
}

func (h *loopHealth) record(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.loops[name]
	if !ok {
		l = &LoopHealth{Name: name}
		h.loops[name] = l
	}
	l.LastRun = time.Now()
	if err == nil {
		l.Failures = 0
		l.LastError = ""
		return
	}
	l.Failures++
	l.LastError = err.Error()
	l.LastFailure = l.LastRun
}

// snapshot returns copies sorted by name and whether every loop is healthy.
func (h *loopHealth) snapshot() ([]LoopHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]LoopHealth, 0, len(h.loops))
	healthy := true
	for _, l := range h.loops {
		c := *l
		c.Status = LoopHealthy
		if c.Failures >= failureThreshold {
			c.Status = LoopFailing
			healthy = false
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, healthy
}
