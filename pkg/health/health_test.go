package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/objectfs/driveftp/pkg/errors"
)

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Register("cache", nil)

	if state := tracker.GetState("cache"); state != StateHealthy {
		t.Errorf("initial state = %s, want healthy", state)
	}
	if state := tracker.GetState("unknown"); state != StateUnavailable {
		t.Errorf("unregistered state = %s, want unavailable", state)
	}
}

func TestTracker_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 5
	tracker := NewTracker(config)
	tracker.Register("remote", nil)

	var transitions []string
	tracker.OnStateChange(func(component string, oldState, newState HealthState, err error) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
	})

	for i := 0; i < 2; i++ {
		tracker.RecordError("remote", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("remote"); state != StateHealthy {
		t.Errorf("state before threshold = %s, want healthy", state)
	}

	tracker.RecordError("remote", fmt.Errorf("error 3"))
	if state := tracker.GetState("remote"); state != StateDegraded {
		t.Errorf("state at threshold = %s, want degraded", state)
	}

	tracker.RecordError("remote", fmt.Errorf("error 4"))
	tracker.RecordError("remote", fmt.Errorf("error 5"))
	if state := tracker.GetState("remote"); state != StateUnavailable {
		t.Errorf("state = %s, want unavailable", state)
	}

	tracker.RecordSuccess("remote")
	health, err := tracker.GetComponentHealth("remote")
	if err != nil {
		t.Fatalf("GetComponentHealth() error = %v", err)
	}
	if health.State != StateHealthy || health.ConsecutiveErrors != 0 || health.LastErrorMessage != "" {
		t.Errorf("after success = %+v", health)
	}

	want := []string{"remote:healthy->degraded", "remote:degraded->unavailable", "remote:unavailable->healthy"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestTracker_WriteErrorsMeanReadOnly(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.Register("remote", nil)

	tracker.RecordError("remote", errors.NewError(errors.ErrCodeAccessDenied, "quota exceeded"))

	if state := tracker.GetState("remote"); state != StateReadOnly {
		t.Errorf("state = %s, want read-only", state)
	}
	if tracker.CanWrite("remote") {
		t.Error("CanWrite() = true for read-only component")
	}
}

func TestTracker_CheckAllAndReport(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.Register("remote", func(ctx context.Context) error {
		return errors.Transient("503", nil)
	})
	tracker.Register("cache", func(ctx context.Context) error { return nil })
	tracker.Register("passive", nil)

	tracker.CheckAll(context.Background())

	report := tracker.Report()
	if report.Status != StateDegraded {
		t.Errorf("overall = %s, want degraded", report.Status)
	}
	if len(report.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(report.Components))
	}
	if report.Components[0].Name != "cache" || report.Components[2].Name != "remote" {
		t.Errorf("components not sorted: %s, %s", report.Components[0].Name, report.Components[2].Name)
	}
	if report.Components[2].LastErrorMessage == "" {
		t.Error("remote error message not recorded")
	}
}

func TestTracker_GetComponentHealthUnknown(t *testing.T) {
	tracker := NewTracker(TrackerConfig{})
	_, err := tracker.GetComponentHealth("nope")
	if !errors.HasCode(err, errors.ErrCodeEntryNotFound) {
		t.Errorf("err = %v, want ENTRY_NOT_FOUND", err)
	}
}

func TestHealthState_MarshalText(t *testing.T) {
	text, _ := StateReadOnly.MarshalText()
	if string(text) != "read-only" {
		t.Errorf("MarshalText() = %q", text)
	}
}
