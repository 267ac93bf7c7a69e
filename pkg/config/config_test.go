package config

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input       string
		want        time.Duration
		expectError bool
	}{
		{input: "500ms", want: 500 * time.Millisecond},
		{input: "30s", want: 30 * time.Second},
		{input: "45", want: 45 * time.Second},
		{input: " 10s ", want: 10 * time.Second},
		{input: "10m", expectError: true},
		{input: "abc", expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"PG_DATABASE_URL_WRITE", "postgres://lk:lk@localhost/lakekeeper")
	t.Setenv(EnvPrefix+"MAX_REQUEST_TIME", "45s")
	t.Setenv(EnvPrefix+"ENCRYPTION_KEY", "test-key")
	t.Setenv(EnvPrefix+"RESERVED_NAMESPACES", "System, Examples ,custom")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRequestTime != 45*time.Second {
		t.Errorf("MaxRequestTime = %v", cfg.MaxRequestTime)
	}
	if cfg.PGDatabaseURLRead != cfg.PGDatabaseURLWrite {
		t.Errorf("read URL should default to write URL")
	}
	want := []string{"system", "examples", "custom"}
	if len(cfg.ReservedNamespaces) != len(want) {
		t.Fatalf("ReservedNamespaces = %v", cfg.ReservedNamespaces)
	}
	for i, ns := range want {
		if cfg.ReservedNamespaces[i] != ns {
			t.Errorf("ReservedNamespaces[%d] = %q, want %q", i, cfg.ReservedNamespaces[i], ns)
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Defaults()
		c.PGDatabaseURLWrite = "postgres://x"
		c.EncryptionKey = "k"
		return c
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	c := base()
	c.PGDatabaseURLWrite = ""
	if err := c.Validate(); err == nil {
		t.Error("missing database URL accepted")
	}

	c = base()
	c.AuthzBackend = "magic"
	if err := c.Validate(); err == nil {
		t.Error("unknown authz backend accepted")
	}

	c = base()
	c.AuthzBackend = "opa"
	if err := c.Validate(); err == nil {
		t.Error("opa backend without policy path accepted")
	}

	c = base()
	c.SecretBackend = "postgres"
	c.EncryptionKey = ""
	if err := c.Validate(); err == nil {
		t.Error("postgres secrets without encryption key accepted")
	}
}
