package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadClampsLoyaltyMaxAttempts(t *testing.T) {
	t.Setenv("LOYALTY_MAX_ATTEMPTS", "-3")

	cfg := Load()
	if cfg.LoyaltyMaxAttempts != 5 {
		t.Fatalf("expected fallback 5, got %d", cfg.LoyaltyMaxAttempts)
	}
}
