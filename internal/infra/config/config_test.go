package config

import (
	"strings"
	"testing"
)

func TestStripSchemaParam(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "schemaOnly",
			in:   "postgres://u:p@db:5432/crm?schema=telegram_crm",
			want: "postgres://u:p@db:5432/crm",
		},
		{
			name: "schemaAmongOthers",
			in:   "postgres://u:p@db:5432/crm?schema=telegram_crm&sslmode=disable",
			want: "postgres://u:p@db:5432/crm?sslmode=disable",
		},
		{
			name: "noSchema",
			in:   "postgres://u:p@db:5432/crm?sslmode=disable",
			want: "postgres://u:p@db:5432/crm?sslmode=disable",
		},
		{
			name: "bare",
			in:   "postgres://db/crm",
			want: "postgres://db/crm",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := StripSchemaParam(tc.in)
			if err != nil {
				t.Fatalf("StripSchemaParam(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("StripSchemaParam(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStripSchemaParamInvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := StripSchemaParam("://missing-scheme"); err == nil {
		t.Fatal("invalid URL must be rejected")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/crm?schema=telegram_crm")
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("TELEGRAM_PHONE_NUMBER", "+10000000000")
	clearOptionalEnv(t)

	cfg, err := loadConfig("testdata/absent.env")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	env := cfg.Env
	if env.DatabaseURL != "postgres://u:p@db:5432/crm" {
		t.Errorf("DatabaseURL = %q, schema param must be stripped", env.DatabaseURL)
	}
	if env.APIID != 12345 {
		t.Errorf("APIID = %d", env.APIID)
	}
	if env.Port != defaultPort {
		t.Errorf("Port = %d, want default %d", env.Port, defaultPort)
	}
	if env.ActivePollInterval != defaultActivePollInterval {
		t.Errorf("ActivePollInterval = %d, want default %d", env.ActivePollInterval, defaultActivePollInterval)
	}
	if env.FullCatchupInterval != defaultFullCatchupInterval {
		t.Errorf("FullCatchupInterval = %d, want default %d", env.FullCatchupInterval, defaultFullCatchupInterval)
	}
	if env.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want default %q", env.LogLevel, defaultLogLevel)
	}
	if len(cfg.warnings) == 0 {
		t.Error("defaults for unset optional vars must produce warnings")
	}
}

func TestLoadConfigInvalidOptionalFallsBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/crm")
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("TELEGRAM_PHONE_NUMBER", "+10000000000")
	clearOptionalEnv(t)
	t.Setenv("PORT", "not-a-number")
	t.Setenv("ACTIVE_POLL_INTERVAL", "-5")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := loadConfig("testdata/absent.env")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Env.Port != defaultPort {
		t.Errorf("Port = %d, want default %d", cfg.Env.Port, defaultPort)
	}
	if cfg.Env.ActivePollInterval != defaultActivePollInterval {
		t.Errorf("ActivePollInterval = %d, want default %d", cfg.Env.ActivePollInterval, defaultActivePollInterval)
	}
	if cfg.Env.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want default %q", cfg.Env.LogLevel, defaultLogLevel)
	}

	joined := strings.Join(cfg.warnings, "\n")
	for _, name := range []string{"PORT", "ACTIVE_POLL_INTERVAL", "LOG_LEVEL"} {
		if !strings.Contains(joined, name) {
			t.Errorf("warnings must mention %s, got:\n%s", name, joined)
		}
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("TELEGRAM_PHONE_NUMBER", "+10000000000")

	if _, err := loadConfig("testdata/absent.env"); err == nil {
		t.Fatal("missing DATABASE_URL must fail the load")
	}
}

func clearOptionalEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SESSION_PATH", "TELEGRAM_SESSION_BASE64", "PEERS_CACHE_FILE",
		"UPDATES_STATE_FILE", "ATTACHMENT_DIR", "PORT",
		"ACTIVE_POLL_INTERVAL", "FULL_CATCHUP_INTERVAL",
		"DIALOG_DISCOVERY_INTERVAL", "DIALOG_DISCOVERY_LIMIT",
		"LOG_LEVEL", "THROTTLE_RPS",
	} {
		t.Setenv(name, "")
	}
}
