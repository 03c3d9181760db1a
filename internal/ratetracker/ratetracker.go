// Package ratetracker does pre-flight RPM/RPD accounting per
// (credential, model) pair, so the scheduler can skip a call that would
// certainly be rejected by the provider instead of spending it and finding
// out.
package ratetracker

import (
	"sync"
	"time"
)

type rateKey struct {
	credentialID string
	modelID      string
}

// window holds sliding-window counters for a single (credential, model)
// pair. It is not safe for concurrent use on its own; callers hold
// Tracker.mu.
type window struct {
	minute       []time.Time // timestamps within the trailing 60s, oldest first
	dailyCount   int
	dailyResetOn int64 // day number, per currentDay
}

func newWindow() *window {
	return &window{dailyResetOn: currentDay()}
}

func currentDay() int64 {
	return time.Now().Unix() / 86400
}

func (w *window) record(now time.Time) {
	w.minute = append(w.minute, now)
	w.pruneMinute(now)

	today := currentDay()
	if today != w.dailyResetOn {
		w.dailyCount = 0
		w.dailyResetOn = today
	}
	w.dailyCount++
}

func (w *window) currentRPM(now time.Time) int {
	w.pruneMinute(now)
	return len(w.minute)
}

func (w *window) currentRPD() int {
	today := currentDay()
	if today != w.dailyResetOn {
		w.dailyCount = 0
		w.dailyResetOn = today
	}
	return w.dailyCount
}

// pruneMinute drops timestamps older than 60 seconds from the front.
func (w *window) pruneMinute(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(w.minute) && w.minute[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.minute = w.minute[i:]
	}
}

// Tracker is a thread-safe rate tracker across all (credential, model)
// pairs, held in memory only; restart loses history, which is acceptable
// since windows are at most a day wide.
type Tracker struct {
	mu      sync.RWMutex
	windows map[rateKey]*window
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{windows: make(map[rateKey]*window)}
}

// RecordRequest registers that a request was just sent using credentialID
// against modelID.
func (t *Tracker) RecordRequest(credentialID, modelID string) {
	key := rateKey{credentialID, modelID}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		w = newWindow()
		t.windows[key] = w
	}
	w.record(now)
}

// CheckCapacity reports whether another request can be made without
// exceeding maxRPM/maxRPD, alongside the current counts.
func (t *Tracker) CheckCapacity(credentialID, modelID string, maxRPM, maxRPD int) (canProceed bool, rpm, rpd int) {
	key := rateKey{credentialID, modelID}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		return true, 0, 0
	}
	rpm = w.currentRPM(now)
	rpd = w.currentRPD()
	return rpm < maxRPM && rpd < maxRPD, rpm, rpd
}

// LeastLoadedKey returns, among credentialIDs whose capacity for modelID is
// not exhausted, the one with the lowest current RPM. It returns ("", false)
// when every candidate is at its limit.
func (t *Tracker) LeastLoadedKey(credentialIDs []string, modelID string, maxRPM, maxRPD int) (string, bool) {
	var bestID string
	bestRPM := -1
	found := false

	for _, id := range credentialIDs {
		canProceed, rpm, _ := t.CheckCapacity(id, modelID, maxRPM, maxRPD)
		if !canProceed {
			continue
		}
		if !found || rpm < bestRPM {
			bestID = id
			bestRPM = rpm
			found = true
		}
	}
	return bestID, found
}

// Snapshot is a point-in-time view of rate usage for one (credential, model)
// pair, suitable for the admin surface.
type Snapshot struct {
	CredentialID string
	ModelID      string
	CurrentRPM   int
	CurrentRPD   int
}

// Snapshot returns the current usage for every tracked pair.
func (t *Tracker) Snapshot() []Snapshot {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.windows))
	for key, w := range t.windows {
		out = append(out, Snapshot{
			CredentialID: key.credentialID,
			ModelID:      key.modelID,
			CurrentRPM:   w.currentRPM(now),
			CurrentRPD:   w.currentRPD(),
		})
	}
	return out
}
