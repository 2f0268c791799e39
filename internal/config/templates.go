package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
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

const clientTemplate = `endpoint = "tcp://localhost:5555"
max_retries = 3
timeout = "5s"
transport = "frame"
format = "json"
compress = false
metrics = true

heartbeat_enabled = false
heartbeat_interval = "1s"
heartbeat_liveness = 3

backoff_initial = "100ms"
backoff_multiplier = 2.0
backoff_jitter = false

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const serverTemplate = `transport = "frame"
metrics = true

[server]
endpoint = "tcp://*:5555"
poll_interval = "250ms"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`
