// Separate package is workaround to import cycles.
package tele_config

import (
	"net/url"
	"strings"

	"github.com/juju/errors"
)

const (
	DriverGomqtt = "gomqtt"
	DriverPaho   = "paho"
)

type MQTT struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	Driver            string `hcl:"driver"`
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	LogDebug          bool   `hcl:"log_debug"`
}

func (m *MQTT) Validate() error {
	if !m.Enabled {
		return nil
	}
	switch m.Driver {
	case "", DriverGomqtt, DriverPaho:
	default:
		return errors.NotValidf("mqtt driver=%s", m.Driver)
	}
	if m.Broker == "" {
		return errors.NotValidf("mqtt broker empty")
	}
	if _, err := url.ParseRequestURI(m.Broker); err != nil {
		return errors.Annotatef(err, "mqtt broker=%s", m.Broker)
	}
	return nil
}

func (m *MQTT) DriverName() string {
	if m.Driver == "" {
		return DriverGomqtt
	}
	return m.Driver
}

// Events is server-push event stream source, one connection per device.
type Events struct {
	Enabled        bool   `hcl:"enable"`
	BaseURL        string `hcl:"base_url"`
	ReconnectMinMs int    `hcl:"reconnect_min_ms"`
	ReconnectMaxMs int    `hcl:"reconnect_max_ms"`
	LogDebug       bool   `hcl:"log_debug"`
}

func (e *Events) Validate() error {
	if !e.Enabled {
		return nil
	}
	u, err := url.ParseRequestURI(e.BaseURL)
	if err != nil {
		return errors.Annotatef(err, "events base_url=%s", e.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NotValidf("events base_url scheme=%s", u.Scheme)
	}
	return nil
}

// DeviceURL returns event stream endpoint of device.
func (e *Events) DeviceURL(deviceID string) string {
	return strings.TrimSuffix(e.BaseURL, "/") + "/api/devices/" + url.PathEscape(deviceID)
}
