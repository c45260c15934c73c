// Package progress delivers session progress updates to observers.
package progress

import (
	"log"
	"sync"
	"time"

	"github.com/fentz26/sift/internal/models"
)

// Phase percentages reported as a session advances.
const (
	PercentPlanning     = 10
	PercentPlanned      = 20
	PercentDispatchLow  = 25
	PercentDispatchHigh = 70
	PercentSynthesizing = 75
	PercentCiting       = 90
	PercentDone         = 100
)

// Update is one progress report.
type Update struct {
	SessionID string               `json:"session_id"`
	TaskID    string               `json:"task_id,omitempty"`
	Phase     string               `json:"phase"`
	Status    models.SessionStatus `json:"status"`
	Percent   int                  `json:"percent"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// Sink receives progress updates in transition order. Report must not block
// for long; it is called from the scheduler loop.
type Sink interface {
	Report(u Update)
}

// DispatchPercent scales terminal task progress into the dispatch band.
func DispatchPercent(terminal, total int) int {
	if total <= 0 {
		return PercentDispatchLow
	}
	span := PercentDispatchHigh - PercentDispatchLow
	return PercentDispatchLow + span*terminal/total
}

// Func adapts a function to a Sink.
type Func func(u Update)

// Report calls f(u).
func (f Func) Report(u Update) { f(u) }

// Log writes one line per update with the standard logger.
type Log struct{}

// Report logs the update.
func (Log) Report(u Update) {
	if u.TaskID != "" {
		log.Printf("[%s] %3d%% %s (task %s): %s", shortID(u.SessionID), u.Percent, u.Phase, shortID(u.TaskID), u.Message)
		return
	}
	log.Printf("[%s] %3d%% %s: %s", shortID(u.SessionID), u.Percent, u.Phase, u.Message)
}

// Fanout forwards every update to each sink in order.
type Fanout []Sink

// Report forwards u.
func (f Fanout) Report(u Update) {
	for _, s := range f {
		if s != nil {
			s.Report(u)
		}
	}
}

// Cache keeps the latest update per session.
type Cache struct {
	mu     sync.RWMutex
	latest map[string]Update
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{latest: make(map[string]Update)}
}

// Report stores u as the latest update for its session.
func (c *Cache) Report(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[u.SessionID] = u
}

// Latest returns the most recent update for a session.
func (c *Cache) Latest(sessionID string) (Update, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[sessionID]
	return u, ok
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
