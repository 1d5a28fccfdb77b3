package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Global.Prefix == "" {
		t.Fatal("expected non-empty default prefix")
	}
	if cfg.Defaults.PublishSubscribe.MaxPublishers <= 0 {
		t.Fatalf("expected positive default max publishers, got %d", cfg.Defaults.PublishSubscribe.MaxPublishers)
	}
	if cfg.Defaults.Event.EventIdMaxValue == 0 {
		t.Fatal("expected non-zero default event id max value")
	}
	if cfg.Global.Service.RetryBudget <= 0 {
		t.Fatal("expected positive default retry budget")
	}
}
