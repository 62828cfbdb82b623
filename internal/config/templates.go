package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "service":
		return serviceTemplate, nil
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

const hostTemplate = `name = "linkhost"
service = "hostlink.service"
network = "unix"
socket_dir = "/tmp/hostlink"
status_addr = "127.0.0.1:9400"
handoff = true

connect_timeout = "5s"
write_timeout = "15s"
# reply_timeout = "30s"  # unset waits until the service answers or goes away
handoff_timeout = "10s"
process_timeout = "30s"
max_in_flight = 64
max_queued = 1024

reconnect = true
max_reconnect_attempts = 8
`

const serviceTemplate = `name = "linkservice"
service = "hostlink.service"
network = "unix"
socket_dir = "/tmp/hostlink"
status_addr = "127.0.0.1:9401"
mode = "registry"

connect_timeout = "5s"
write_timeout = "15s"
handoff_timeout = "10s"
process_timeout = "30s"
max_in_flight = 64
max_queued = 1024
`
