package health

import "testing"

func TestStatus_HealthyUntilRetriesExceeded(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 3}

	for i := 0; i < 2; i++ {
		status.Update(Result{Healthy: false}, config)
		if !status.Healthy {
			t.Fatalf("expected still healthy after %d failure(s), got unhealthy", i+1)
		}
	}

	status.Update(Result{Healthy: false}, config)
	if status.Healthy {
		t.Error("expected unhealthy after reaching Retries consecutive failures")
	}
	if status.ConsecutiveFailures != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", status.ConsecutiveFailures)
	}
}

func TestStatus_SuccessResetsFailureStreak(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 3}

	status.Update(Result{Healthy: false}, config)
	status.Update(Result{Healthy: false}, config)
	status.Update(Result{Healthy: true}, config)

	if !status.Healthy {
		t.Error("expected healthy after a success")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected failure streak reset to 0, got %d", status.ConsecutiveFailures)
	}
	if status.ConsecutiveSuccesses != 1 {
		t.Errorf("expected 1 consecutive success, got %d", status.ConsecutiveSuccesses)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Retries != 3 {
		t.Errorf("expected default Retries 3, got %d", config.Retries)
	}
	if config.Interval <= 0 || config.Timeout <= 0 {
		t.Error("expected positive default Interval and Timeout")
	}
}
