package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template returns an example client config in the given format.
func Template(format string) (string, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".") {
	case "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	case "json":
		return jsonTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

// WriteTemplate writes the example config for path's extension.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template(filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `host = "localhost"
port = 57777
exchange_log = "exchange.log"
ready_timeout = "1s"
connect_timeout = "5s"
max_connect_attempts = 5
end_wait = "5s"

greeting = "Hello from quikwire!"
class_code = "TQBR"
sec_code = "SBER"
interval = 5
updates = 10
callback = "sberUpdated"
answer_ttl = "30s"
`

const yamlTemplate = `host: localhost
port: 57777
exchange_log: exchange.log
ready_timeout: 1s
connect_timeout: 5s
max_connect_attempts: 5
end_wait: 5s

greeting: Hello from quikwire!
class_code: TQBR
sec_code: SBER
interval: 5
updates: 10
callback: sberUpdated
answer_ttl: 30s
`

const jsonTemplate = `{
  "host": "localhost",
  "port": 57777,
  "exchange_log": "exchange.log",
  "ready_timeout": "1s",
  "connect_timeout": "5s",
  "max_connect_attempts": 5,
  "end_wait": "5s",
  "greeting": "Hello from quikwire!",
  "class_code": "TQBR",
  "sec_code": "SBER",
  "interval": 5,
  "updates": 10,
  "callback": "sberUpdated",
  "answer_ttl": "30s"
}
`
