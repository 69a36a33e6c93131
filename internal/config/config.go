package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/quikwire/internal/protocol/session"
	"github.com/danmuck/quikwire/internal/workflow"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 57777
)

// ClientConfig is the resolved configuration of one bridge client run.
type ClientConfig struct {
	Host string
	Port int
	// ExchangeLog is the raw traffic log path. Empty disables it.
	ExchangeLog string
	MetricsAddr string

	ReadyTimeout       time.Duration
	ConnectTimeout     time.Duration
	IdleBudget         int
	ProtocolVersion    int
	MaxConnectAttempts int
	EndWait            time.Duration

	Greeting  string
	ClassCode string
	SecCode   string
	Interval  int
	Updates   int
	Callback  string
	AnswerTTL time.Duration
}

// fileConfig mirrors the on-disk keys shared by every supported format.
type fileConfig struct {
	Host               string `toml:"host" yaml:"host" json:"host"`
	Port               int    `toml:"port" yaml:"port" json:"port"`
	ExchangeLog        string `toml:"exchange_log" yaml:"exchange_log" json:"exchange_log"`
	MetricsAddr        string `toml:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	ReadyTimeout       string `toml:"ready_timeout" yaml:"ready_timeout" json:"ready_timeout"`
	ConnectTimeout     string `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	IdleBudget         int    `toml:"idle_budget" yaml:"idle_budget" json:"idle_budget"`
	ProtocolVersion    int    `toml:"protocol_version" yaml:"protocol_version" json:"protocol_version"`
	MaxConnectAttempts int    `toml:"max_connect_attempts" yaml:"max_connect_attempts" json:"max_connect_attempts"`
	EndWait            string `toml:"end_wait" yaml:"end_wait" json:"end_wait"`
	Greeting           string `toml:"greeting" yaml:"greeting" json:"greeting"`
	ClassCode          string `toml:"class_code" yaml:"class_code" json:"class_code"`
	SecCode            string `toml:"sec_code" yaml:"sec_code" json:"sec_code"`
	Interval           int    `toml:"interval" yaml:"interval" json:"interval"`
	Updates            int    `toml:"updates" yaml:"updates" json:"updates"`
	Callback           string `toml:"callback" yaml:"callback" json:"callback"`
	AnswerTTL          string `toml:"answer_ttl" yaml:"answer_ttl" json:"answer_ttl"`
}

func Default() ClientConfig {
	sess := session.DefaultConfig()
	demo := workflow.DefaultDemoConfig()
	return ClientConfig{
		Host:               DefaultHost,
		Port:               DefaultPort,
		ReadyTimeout:       sess.ReadyTimeout,
		ConnectTimeout:     sess.ConnectTimeout,
		IdleBudget:         sess.IdleBudget,
		ProtocolVersion:    sess.ProtocolVersion,
		MaxConnectAttempts: sess.MaxConnectAttempts,
		EndWait:            5 * time.Second,
		Greeting:           demo.Greeting,
		ClassCode:          demo.ClassCode,
		SecCode:            demo.SecCode,
		Interval:           demo.Interval,
		Updates:            demo.Updates,
		Callback:           demo.CallbackName,
		AnswerTTL:          demo.AnswerTTL,
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, .yaml/.yml or .json. A relative exchange log path is resolved
// against the config file's directory.
func Load(path string) (ClientConfig, error) {
	var (
		raw     fileConfig
		defined func(key string) bool
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		raw, defined, err = loadTOML(path)
	case ".yaml", ".yml":
		raw, defined, err = loadYAML(path)
	case ".json":
		raw, defined, err = loadJSON(path)
	default:
		return ClientConfig{}, fmt.Errorf("config load failed (%s): unsupported extension %q", path, ext)
	}
	if err != nil {
		return ClientConfig{}, err
	}

	cfg, err := apply(Default(), raw, defined)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if cfg.ExchangeLog != "" && !filepath.IsAbs(cfg.ExchangeLog) {
		cfg.ExchangeLog = filepath.Join(filepath.Dir(path), cfg.ExchangeLog)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadTOML(path string) (fileConfig, func(string) bool, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return raw, func(key string) bool { return meta.IsDefined(key) }, nil
}

func loadYAML(path string) (fileConfig, func(string) bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	keys := map[string]any{}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return raw, keySet(keys), nil
}

func loadJSON(path string) (fileConfig, func(string) bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw fileConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	keys := map[string]any{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return raw, keySet(keys), nil
}

func keySet(keys map[string]any) func(string) bool {
	return func(key string) bool {
		_, ok := keys[key]
		return ok
	}
}

func apply(cfg ClientConfig, raw fileConfig, defined func(string) bool) (ClientConfig, error) {
	if defined("host") {
		cfg.Host = NormalizeHost(raw.Host)
	}
	if defined("port") {
		cfg.Port = raw.Port
	}
	if defined("exchange_log") {
		cfg.ExchangeLog = strings.TrimSpace(raw.ExchangeLog)
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ready_timeout", raw.ReadyTimeout, &cfg.ReadyTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"end_wait", raw.EndWait, &cfg.EndWait},
		{"answer_ttl", raw.AnswerTTL, &cfg.AnswerTTL},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if defined("idle_budget") {
		cfg.IdleBudget = raw.IdleBudget
	}
	if defined("protocol_version") {
		cfg.ProtocolVersion = raw.ProtocolVersion
	}
	if defined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if defined("greeting") {
		cfg.Greeting = raw.Greeting
	}
	if defined("class_code") {
		cfg.ClassCode = strings.TrimSpace(raw.ClassCode)
	}
	if defined("sec_code") {
		cfg.SecCode = strings.TrimSpace(raw.SecCode)
	}
	if defined("interval") {
		cfg.Interval = raw.Interval
	}
	if defined("updates") {
		cfg.Updates = raw.Updates
	}
	if defined("callback") {
		cfg.Callback = strings.TrimSpace(raw.Callback)
	}
	return cfg, nil
}

// NormalizeHost maps the bridge's host aliases onto dialable addresses.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	switch host {
	case "local", "localhost":
		return "localhost"
	case "any", "anyipv4":
		return "0.0.0.0"
	case "anyipv6":
		return "::"
	default:
		return host
	}
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready_timeout must be positive")
	}
	if c.IdleBudget < 0 {
		return fmt.Errorf("idle_budget must not be negative")
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must not be negative")
	}
	if c.Updates <= 0 {
		return fmt.Errorf("updates must be positive")
	}
	if c.Callback == "" {
		return fmt.Errorf("callback is required")
	}
	return nil
}

func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ClientConfig) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReadyTimeout = c.ReadyTimeout
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.IdleBudget = c.IdleBudget
	cfg.ProtocolVersion = c.ProtocolVersion
	cfg.MaxConnectAttempts = c.MaxConnectAttempts
	return cfg.WithDefaults()
}

func (c ClientConfig) DemoConfig() workflow.DemoConfig {
	return workflow.DemoConfig{
		Greeting:     c.Greeting,
		ClassCode:    c.ClassCode,
		SecCode:      c.SecCode,
		Interval:     c.Interval,
		Updates:      c.Updates,
		CallbackName: c.Callback,
		AnswerTTL:    c.AnswerTTL,
	}
}
