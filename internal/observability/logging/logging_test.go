package logging

import "testing"

func TestNew(t *testing.T) {
	logger, err := New("debug", "production")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("debug level should be enabled")
	}

	if _, err := New("loud", "production"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestMustFallsBackToInfo(t *testing.T) {
	logger := Must("loud", "production")
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled after fallback")
	}
	if !logger.Core().Enabled(0) {
		t.Error("info should be enabled after fallback")
	}
}
