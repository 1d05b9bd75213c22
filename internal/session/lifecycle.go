package session

import (
	"sync"
	"time"
)

// Lifecycle defaults.
const (
	defaultStaleTimeout = 5 * time.Minute
	defaultRetention    = 24 * time.Hour
	defaultMaxAlerts    = 3
)

// SweepAction tells the spawner to terminate an agent and with which
// terminal status.
type SweepAction struct {
	ID     string
	Status AgentStatus
	Reason string
}

type healthRecord struct {
	started    bool
	heartbeat  time.Time
	alerts     []string
	finished   bool
	finishedAt time.Time
	status     AgentStatus
}

// Lifecycle tracks agent health. Running agents beat on every loop
// iteration; one that goes quiet past the stale timeout is timed out,
// and one that accumulates more than maxAlerts active alerts is
// force-terminated. Tracked-but-unstarted agents (still queued) are
// exempt from the heartbeat check until Start.
// Finished records stick around for the retention window so operators
// can inspect what ran, then get pruned.
type Lifecycle struct {
	staleTimeout time.Duration
	retention    time.Duration
	maxAlerts    int

	mu      sync.Mutex
	records map[string]*healthRecord
}

// NewLifecycle builds a tracker. Zero arguments take the defaults:
// 5 minute stale timeout, 24 hour retention, 3 alerts.
func NewLifecycle(staleTimeout, retention time.Duration, maxAlerts int) *Lifecycle {
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleTimeout
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if maxAlerts <= 0 {
		maxAlerts = defaultMaxAlerts
	}
	return &Lifecycle{
		staleTimeout: staleTimeout,
		retention:    retention,
		maxAlerts:    maxAlerts,
		records:      make(map[string]*healthRecord),
	}
}

// Track registers an agent for health accounting. The record is
// created unstarted: a queued agent cannot beat, so staleness only
// applies once Start marks it launched.
func (l *Lifecycle) Track(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[id] = &healthRecord{heartbeat: time.Now()}
}

// Start marks an agent as launched and resets its heartbeat, so time
// spent waiting in the queue never counts against the stale timeout.
func (l *Lifecycle) Start(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok && !r.finished {
		r.started = true
		r.heartbeat = time.Now()
	}
}

// Beat refreshes an agent's heartbeat.
func (l *Lifecycle) Beat(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok && !r.finished {
		r.heartbeat = time.Now()
	}
}

// RaiseAlert records a health complaint against an agent.
func (l *Lifecycle) RaiseAlert(id, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok && !r.finished {
		r.alerts = append(r.alerts, msg)
	}
}

// Alerts returns a copy of the agent's active alerts.
func (l *Lifecycle) Alerts(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil
	}
	return append([]string(nil), r.alerts...)
}

// Finish marks an agent's record terminal. Health checks stop; the
// record is kept until retention expires.
func (l *Lifecycle) Finish(id string, status AgentStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok {
		r.finished = true
		r.finishedAt = time.Now()
		r.status = status
	}
}

// Sweep returns the agents that must be terminated: stale ones as
// timeouts, critically unhealthy ones as failures. It also prunes
// finished records past retention, returning their ids so the caller
// can drop its own handles.
func (l *Lifecycle) Sweep(now time.Time) (actions []SweepAction, pruned []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.records {
		if r.finished {
			if now.Sub(r.finishedAt) > l.retention {
				delete(l.records, id)
				pruned = append(pruned, id)
			}
			continue
		}
		if r.started && now.Sub(r.heartbeat) > l.staleTimeout {
			actions = append(actions, SweepAction{
				ID:     id,
				Status: StatusTimeout,
				Reason: "no heartbeat for " + l.staleTimeout.String(),
			})
			continue
		}
		if len(r.alerts) > l.maxAlerts {
			actions = append(actions, SweepAction{
				ID:     id,
				Status: StatusFailed,
				Reason: "force-terminated: " + r.alerts[len(r.alerts)-1],
			})
		}
	}
	return actions, pruned
}

// Tracked reports how many records the lifecycle holds, finished
// included.
func (l *Lifecycle) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
