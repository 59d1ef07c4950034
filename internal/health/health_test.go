package health

import (
	"testing"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}
	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetCritical("pipeline", true, "running")

	status := checker.GetStatus()
	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	p, ok := status.Components["pipeline"]
	if !ok {
		t.Fatal("expected pipeline component")
	}
	if !p.Healthy || !p.Critical {
		t.Errorf("pipeline check = %+v", p)
	}
	if p.Message != "running" {
		t.Errorf("expected message 'running', got %s", p.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetCritical("pipeline", true, "running")
	checker.SetComponent("mqtt", false, "broker unreachable")
	checker.SetComponent("channel_2", false, "stalled")

	status := checker.GetStatus()
	if status.Status != StatusDegraded {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}
	if len(status.Failing) != 2 || status.Failing[0] != "channel_2" {
		t.Errorf("failing = %v", status.Failing)
	}
	if !checker.IsHealthy() {
		t.Error("non-critical failures should not make the station unhealthy")
	}

	checker.Remove("mqtt")
	checker.SetComponent("channel_2", true, "")
	if checker.GetStatus().Status != StatusOK {
		t.Error("expected ok after recovery")
	}
}

func TestChecker_Unhealthy(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("uplink", false, "disconnected")
	checker.SetCritical("capture", false, "device lost")

	if checker.GetStatus().Status != StatusUnhealthy {
		t.Error("expected unhealthy")
	}
	if checker.IsHealthy() {
		t.Error("expected IsHealthy() false")
	}
}
