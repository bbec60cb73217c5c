package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CACHE_TTL_SECONDS", "")
	t.Setenv("PRICE_TTL_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected default cache TTL 30s, got %s", cfg.CacheTTL)
	}
	if cfg.PriceTTL != 60*time.Second {
		t.Errorf("expected default price TTL 60s, got %s", cfg.PriceTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL_SECONDS", "5")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.CacheTTL != 5*time.Second {
		t.Errorf("expected cache TTL 5s, got %s", cfg.CacheTTL)
	}
	if cfg.DatabaseURL != "postgres://localhost/ledger" {
		t.Errorf("unexpected database URL %s", cfg.DatabaseURL)
	}
}

func TestLoad_RejectsBadTTL(t *testing.T) {
	t.Setenv("PRICE_TTL_SECONDS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric TTL")
	}
}

func TestLoad_RejectsNegativeTTL(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "-1")

	if _, err := Load(); err == nil {
		t.Error("expected error for negative TTL")
	}
}
