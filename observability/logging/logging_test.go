package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup("htlcd", "test", Options{Output: buf, Level: slog.LevelDebug})
	logger.Info("swap initiated", slog.String("swap_id", "abc"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "swap_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["severity"] != "INFO" {
		t.Fatalf("unexpected severity %v", entry["severity"])
	}
	if entry["service"] != "htlcd" {
		t.Fatalf("unexpected service %v", entry["service"])
	}
}

func TestMaskFieldRedactsSecretMaterial(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	preimage := "9f1c2e44aa0b"
	logger.Warn("claim attempt",
		MaskField("secret", preimage),
		MaskField("swap_id", "swap-1"))

	if IsAllowlisted("secret") {
		t.Fatalf("secret must not be allowlisted: %v", RedactionAllowlist())
	}
	if strings.Contains(buf.String(), preimage) {
		t.Fatalf("log output leaked secret: %s", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["secret"] != RedactedValue {
		t.Fatalf("expected redacted secret, got %v", entry["secret"])
	}
	if entry["swap_id"] != "swap-1" {
		t.Fatalf("allowlisted key should pass through, got %v", entry["swap_id"])
	}
}

func TestAccountShortensLongIdentifiers(t *testing.T) {
	attr := Account("account", "0x1234567890abcdef1234")
	if got := attr.Value.String(); got != "0x1234…1234" {
		t.Fatalf("unexpected shortened account %q", got)
	}
	if got := Account("account", "alice").Value.String(); got != "alice" {
		t.Fatalf("short identifiers should be unchanged, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
