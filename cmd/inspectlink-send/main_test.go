package main

import (
	"testing"

	"github.com/inspectlink/inspectlink/client"
	"github.com/inspectlink/inspectlink/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: client.LogInfo},
		{raw: "debug", want: client.LogDebug},
		{raw: "W", want: client.LogWarn},
		{raw: "assert", want: client.LogAssert},
		{raw: "loud", wantErr: true},
	}

	for _, tc := range tests {
		got, err := parseLevel(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got nil", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %d, got %d", tc.raw, tc.want, got)
		}
	}
}

func TestRecordFlagsSender(t *testing.T) {
	for _, kind := range []string{"log", "analytics", "exception", "crash", ""} {
		send, err := recordFlags{kind: kind, message: "m"}.sender()
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", kind, err)
		}
		if send == nil {
			t.Fatalf("%q: expected a sender", kind)
		}
	}
	if _, err := (recordFlags{kind: "metric"}).sender(); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := (recordFlags{kind: "log", level: "loud"}).sender(); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv(passphraseEnvName, "from-env")

	cfg := config.Default()
	applyOverrides(&cfg, options{connector: "ip", host: "10.0.0.2", port: 5000, logLevel: "debug"})
	if cfg.Connection.Connector != config.ConnectorIP || cfg.Connection.Host != "10.0.0.2" || cfg.Connection.Port != 5000 {
		t.Fatalf("unexpected connection overrides: %+v", cfg.Connection)
	}
	if cfg.Security.Passphrase != "from-env" {
		t.Fatalf("expected passphrase from env, got %q", cfg.Security.Passphrase)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.Logging.Level)
	}

	cfg.Security.Passphrase = "from-config"
	applyOverrides(&cfg, options{})
	if cfg.Security.Passphrase != "from-config" {
		t.Fatalf("expected config passphrase to win over env, got %q", cfg.Security.Passphrase)
	}
	applyOverrides(&cfg, options{passphrase: "from-flag"})
	if cfg.Security.Passphrase != "from-flag" {
		t.Fatalf("expected flag passphrase, got %q", cfg.Security.Passphrase)
	}
}

func TestPreviewHex(t *testing.T) {
	short := "abcd"
	if got := previewHex(short); got != short {
		t.Fatalf("expected short hex unchanged, got %q", got)
	}
	long := ""
	for range 40 {
		long += "ff"
	}
	if got := previewHex(long); len(got) != maxHexPreviewLen+3 {
		t.Fatalf("expected truncated preview, got %d chars", len(got))
	}
}

func TestRunRequiresMessage(t *testing.T) {
	if err := run([]string{"--kind", "log"}); err == nil {
		t.Fatalf("expected error without --message")
	}
}
