package agg

import (
	"testing"
	"time"
)

func TestRecordCountsWithinWindow(t *testing.T) {
	state := New(time.Minute, 0.5, 3, 5*time.Minute)
	now := time.Now().UTC()

	state.Record(OutcomeConfirmed, now.Add(-2*time.Minute))
	state.Record(OutcomeConfirmed, now.Add(-10*time.Second))
	snap := state.Record(OutcomeFailed, now)

	if snap.Confirmed != 1 {
		t.Fatalf("confirmed = %d, want 1 (stale entry pruned)", snap.Confirmed)
	}
	if snap.Failed != 1 {
		t.Fatalf("failed = %d, want 1", snap.Failed)
	}
	if snap.FailureShare != 0.5 {
		t.Fatalf("failure share = %v, want 0.5", snap.FailureShare)
	}
}

func TestAlertRequiresMinimumVolume(t *testing.T) {
	state := New(time.Minute, 0.5, 3, 5*time.Minute)
	now := time.Now().UTC()

	state.Record(OutcomeFailed, now)
	state.Record(OutcomeFailed, now)
	if _, ok := state.AlertIfNeeded(now); ok {
		t.Fatal("alert fired below minimum event volume")
	}

	state.Record(OutcomeFailed, now)
	alert, ok := state.AlertIfNeeded(now)
	if !ok {
		t.Fatal("expected alert at full failure share")
	}
	if alert.Failed != 3 || alert.FailureShare != 1.0 {
		t.Fatalf("alert = %+v", alert)
	}
}

func TestAlertHonorsCooldown(t *testing.T) {
	state := New(time.Minute, 0.5, 1, 5*time.Minute)
	now := time.Now().UTC()

	state.Record(OutcomeFailed, now)
	if _, ok := state.AlertIfNeeded(now); !ok {
		t.Fatal("expected first alert")
	}
	state.Record(OutcomeFailed, now.Add(time.Second))
	if _, ok := state.AlertIfNeeded(now.Add(2 * time.Second)); ok {
		t.Fatal("alert fired inside cooldown")
	}
	state.Record(OutcomeFailed, now.Add(6*time.Minute))
	if _, ok := state.AlertIfNeeded(now.Add(6 * time.Minute)); !ok {
		t.Fatal("expected alert after cooldown")
	}
}

func TestDeliveredDoesNotAffectFailureShare(t *testing.T) {
	state := New(time.Minute, 0.5, 1, 5*time.Minute)
	now := time.Now().UTC()

	state.Record(OutcomeDelivered, now)
	snap := state.Record(OutcomeDelivered, now)
	if snap.FailureShare != 0 {
		t.Fatalf("failure share = %v, want 0", snap.FailureShare)
	}
	if _, ok := state.AlertIfNeeded(now); ok {
		t.Fatal("delivered-only window must not alert")
	}
}
