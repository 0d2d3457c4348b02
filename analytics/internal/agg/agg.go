// Package agg keeps sliding-window counts of fulfillment outcomes and decides
// when the failure share warrants an alert.
package agg

import (
	"sync"
	"time"
)

const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeDelivered = "delivered"
)

type Snapshot struct {
	Confirmed    int       `json:"confirmed"`
	Failed       int       `json:"failed"`
	Cancelled    int       `json:"cancelled"`
	Delivered    int       `json:"delivered"`
	FailureShare float64   `json:"failure_share"`
	WindowSec    int       `json:"window_seconds"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Alert struct {
	FailureShare float64   `json:"failure_share"`
	Failed       int       `json:"failed"`
	WindowSec    int       `json:"window_seconds"`
	DetectedAt   time.Time `json:"detected_at"`
}

type State struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	minEvents int
	cooldown  time.Duration
	lastAlert time.Time
	events    map[string][]time.Time
}

func New(window time.Duration, threshold float64, minEvents int, cooldown time.Duration) *State {
	return &State{
		window:    window,
		threshold: threshold,
		minEvents: minEvents,
		cooldown:  cooldown,
		events:    map[string][]time.Time{},
	}
}

// Record adds one outcome and returns the current window snapshot.
func (s *State) Record(outcome string, now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[outcome] = append(s.events[outcome], now)
	s.prune(now)
	return s.snapshot(now)
}

// AlertIfNeeded fires when the failure share of terminal order outcomes
// crosses the threshold, at most once per cooldown.
func (s *State) AlertIfNeeded(now time.Time) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	snap := s.snapshot(now)
	total := snap.Confirmed + snap.Failed + snap.Cancelled
	if total < s.minEvents || snap.FailureShare < s.threshold {
		return Alert{}, false
	}
	if !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < s.cooldown {
		return Alert{}, false
	}
	s.lastAlert = now
	return Alert{
		FailureShare: snap.FailureShare,
		Failed:       snap.Failed,
		WindowSec:    snap.WindowSec,
		DetectedAt:   now,
	}, true
}

func (s *State) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	for outcome, stamps := range s.events {
		idx := 0
		for _, ts := range stamps {
			if ts.After(cutoff) {
				stamps[idx] = ts
				idx++
			}
		}
		s.events[outcome] = stamps[:idx]
	}
}

func (s *State) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Confirmed: len(s.events[OutcomeConfirmed]),
		Failed:    len(s.events[OutcomeFailed]),
		Cancelled: len(s.events[OutcomeCancelled]),
		Delivered: len(s.events[OutcomeDelivered]),
		WindowSec: int(s.window / time.Second),
		UpdatedAt: now,
	}
	terminal := snap.Confirmed + snap.Failed + snap.Cancelled
	if terminal > 0 {
		snap.FailureShare = float64(snap.Failed) / float64(terminal)
	}
	return snap
}
