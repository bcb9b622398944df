package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/tele"
	tele_config "github.com/power-desk/powerdesk/tele/config"
)

// ClientIDPrefix is used for random client id when config has none.
const ClientIDPrefix = "powerdesk-"

func OptionsFromConfig(c *tele_config.MQTT, log *log2.Log, stat *tele.Stat, onMessage tele.OnMessage) (ClientOptions, error) {
	opt := ClientOptions{
		BrokerURL:      c.Broker,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		KeepaliveSec:   uint16(c.KeepaliveSec),
		NetworkTimeout: helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout),
		ReconnectDelay: helpers.IntSecondDefault(c.ReconnectDelaySec, DefaultReconnectDelay),
		OnMessage:      onMessage,
		Log:            log,
		Stat:           stat,
	}
	if opt.ClientID == "" {
		// clean session per process, no reason to reuse id
		opt.ClientID = ClientIDPrefix + uuid.New().String()
	}
	if c.TlsCaFile != "" {
		tlsconf := new(tls.Config)
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(c.TlsCaFile)
		if err != nil {
			return opt, errors.Annotatef(err, "TLS CA file=%s", c.TlsCaFile)
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return opt, errors.NotValidf("TLS CA file=%s no certificates", c.TlsCaFile)
		}
		opt.TLS = tlsconf
	}
	return opt, nil
}

// NewSubscriber creates client for configured driver.
func NewSubscriber(c *tele_config.MQTT, log *log2.Log, stat *tele.Stat, onMessage tele.OnMessage) (tele.Subscriber, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled {
		return tele.Noop{}, nil
	}
	log = log.Named("mqtt")
	if !c.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	opt, err := OptionsFromConfig(c, log, stat, onMessage)
	if err != nil {
		return nil, err
	}
	switch c.DriverName() {
	case tele_config.DriverPaho:
		SetPahoLog(log, c.LogDebug)
		return NewPahoClient(opt)
	default:
		return NewClient(opt)
	}
}
