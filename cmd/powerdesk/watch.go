package main

import (
	"context"
	"expvar"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/cmd/powerdesk/subcmd"
	"github.com/power-desk/powerdesk/desk"
	"github.com/power-desk/powerdesk/httpapi"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/state"
	"github.com/power-desk/powerdesk/topic"
)

const mountTimeout = 30 * time.Second

func newDesk(config *state.Config, log *log2.Log) (*desk.Desk, error) {
	d := desk.New(log, config)
	d.Sink = series.SinkFunc(func(id string, s series.Snapshot) {
		log.Debugf("chart=%s len=%d", id, s.Len())
	})
	if err := d.Init(); err != nil {
		return nil, err
	}
	d.Stat.Publish("powerdesk")
	return d, nil
}

func mountConfigured(ctx context.Context, d *desk.Desk) {
	ctx, cancel := context.WithTimeout(ctx, mountTimeout)
	defer cancel()
	for _, name := range d.Config.DeviceNames() {
		if err := d.MountDevice(ctx, name); err != nil {
			d.Error(err)
		}
	}
}

func watchMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	d, err := newDesk(config, log)
	if err != nil {
		return err
	}
	defer d.Close()
	mountConfigured(ctx, d)

	errch := make(chan error, 1)
	if config.HTTP.Enabled {
		srv := httpapi.New(d, log)
		expvar.Publish("powerdesk_http_sent", srv.Sent)
		go func() { errch <- srv.ListenAndServe(ctx, config.HTTPListen()) }()
	}

	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("running, views=%d", len(d.Views()))
	select {
	case <-ctx.Done():
		err = nil
	case err = <-errch:
		err = errors.Annotate(err, "http")
	}
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	return err
}

func topicsMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	for _, name := range config.DeviceNames() {
		for _, m := range topic.AllMetrics() {
			if m.DeviceWide() {
				log.Infof("%s", topic.MustFor(name, m, 0))
				continue
			}
			for _, ch := range config.Device(name).Channels {
				log.Infof("%s", topic.MustFor(name, m, ch))
			}
		}
	}
	return nil
}
