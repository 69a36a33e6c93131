package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/quikwire/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplatesLoadIdenticallyAcrossFormats(t *testing.T) {
	testlog.Start(t)
	for _, ext := range []string{"toml", "yaml", "json"} {
		body, err := Template(ext)
		if err != nil {
			t.Fatalf("template %s: %v", ext, err)
		}
		path := writeFile(t, "client."+ext, body)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %s: %v", ext, err)
		}
		if cfg.Addr() != "localhost:57777" {
			t.Fatalf("%s: unexpected addr=%q", ext, cfg.Addr())
		}
		if cfg.ExchangeLog != filepath.Join(filepath.Dir(path), "exchange.log") {
			t.Fatalf("%s: unexpected exchange log=%q", ext, cfg.ExchangeLog)
		}
		if cfg.ReadyTimeout != time.Second || cfg.ConnectTimeout != 5*time.Second {
			t.Fatalf("%s: unexpected timeouts ready=%v connect=%v", ext, cfg.ReadyTimeout, cfg.ConnectTimeout)
		}
		if cfg.AnswerTTL != 30*time.Second {
			t.Fatalf("%s: unexpected answer ttl=%v", ext, cfg.AnswerTTL)
		}
		if cfg.MaxConnectAttempts != 5 || cfg.Updates != 10 || cfg.Callback != "sberUpdated" {
			t.Fatalf("%s: unexpected values: %+v", ext, cfg)
		}
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "client.toml", "port = 6000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Host != DefaultHost || cfg.Port != 6000 {
		t.Fatalf("unexpected host/port: %s:%d", cfg.Host, cfg.Port)
	}
	if def.AnswerTTL != 30*time.Second {
		t.Fatalf("answers must time out by default, got=%v", def.AnswerTTL)
	}
	if cfg.ReadyTimeout != def.ReadyTimeout || cfg.Updates != def.Updates || cfg.AnswerTTL != def.AnswerTTL || cfg.ExchangeLog != "" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestLoadNormalizesHostAliases(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"local":     "localhost",
		"LocalHost": "localhost",
		"any":       "0.0.0.0",
		"anyipv6":   "::",
		"10.0.0.5":  "10.0.0.5",
	}
	for in, want := range cases {
		path := writeFile(t, "client.json", `{"host":"`+in+`"}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %q: %v", in, err)
		}
		if cfg.Host != want {
			t.Fatalf("host %q: got=%q want=%q", in, cfg.Host, want)
		}
	}
	cfg := Default()
	cfg.Host = "::"
	if cfg.Addr() != "[::]:57777" {
		t.Fatalf("unexpected ipv6 addr=%q", cfg.Addr())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"client.yaml", "port: 70000\n", "port out of range"},
		{"client.yaml", "host: \"\"\n", "host is required"},
		{"client.toml", "ready_timeout = \"soon\"\n", "parse ready_timeout"},
		{"client.json", `{"updates":0}`, "updates must be positive"},
		{"client.ini", "port=1\n", "unsupported extension"},
		{"client.json", `{"port":`, "config parse failed"},
	}
	for _, tc := range cases {
		_, err := Load(writeFile(t, tc.name, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s %q: expected %q, got %v", tc.name, tc.body, tc.want, err)
		}
	}
}

func TestSessionAndDemoConfigMapping(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.ReadyTimeout = 250 * time.Millisecond
	cfg.IdleBudget = 0
	cfg.MaxConnectAttempts = 3
	cfg.AnswerTTL = time.Minute

	sess := cfg.SessionConfig()
	if sess.ReadyTimeout != 250*time.Millisecond || sess.MaxConnectAttempts != 3 {
		t.Fatalf("unexpected session config: %+v", sess)
	}
	if sess.IdleBudget != 10 {
		t.Fatalf("zero idle budget should default, got=%d", sess.IdleBudget)
	}
	demo := cfg.DemoConfig()
	if demo.CallbackName != "sberUpdated" || demo.AnswerTTL != time.Minute || demo.SecCode != "SBER" {
		t.Fatalf("unexpected demo config: %+v", demo)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.yml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if err := WriteTemplate(filepath.Join(t.TempDir(), "client.txt"), false); err == nil {
		t.Fatalf("expected unknown format error")
	}
}
