package fcgiapp

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("Expected ListenAddr :9000, got %q", cfg.ListenAddr)
	}

	if cfg.Charset != "utf-8" {
		t.Errorf("Expected Charset utf-8, got %q", cfg.Charset)
	}

	if cfg.MaxFormBytes != 1073741824 {
		t.Errorf("Expected MaxFormBytes 1073741824, got %d", cfg.MaxFormBytes)
	}

	if cfg.SessionBits != 6 {
		t.Errorf("Expected SessionBits 6, got %d", cfg.SessionBits)
	}

	if cfg.SessionCookie != "SID" {
		t.Errorf("Expected SessionCookie SID, got %q", cfg.SessionCookie)
	}

	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("Expected SessionTTL 24h, got %v", cfg.SessionTTL)
	}

	if !cfg.ShowTraceback {
		t.Errorf("Expected ShowTraceback true, got false")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FCGIAPP_LISTEN", "127.0.0.1:9001")
	t.Setenv("FCGIAPP_SESSION_BITS", "4")
	t.Setenv("FCGIAPP_FORKS", "2")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Errorf("Expected ListenAddr 127.0.0.1:9001, got %q", cfg.ListenAddr)
	}

	if cfg.SessionBits != 4 {
		t.Errorf("Expected SessionBits 4, got %d", cfg.SessionBits)
	}

	if cfg.Forks != 2 {
		t.Errorf("Expected Forks 2, got %d", cfg.Forks)
	}
}

func TestConfigValidateRejectsBadSessionBits(t *testing.T) {
	cfg := &Config{ListenAddr: ":9000", SessionBits: 7}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid session bit width, got nil")
	}
}

func TestConfigValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := &Config{ListenAddr: "", SessionBits: 6}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty listen address, got nil")
	}
}
