package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/desk"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/helpers/cli"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/state"
	"github.com/power-desk/powerdesk/topic"
	"github.com/power-desk/powerdesk/wire"
)

const consoleUsage = `commands:
- mount DEVICE          mount device page
- unmount DEVICE        unmount device page
- list                  mounted views
- show VIEW             chart or stats content
- registry              live subscriptions
- stat                  transport counters
- decode METRIC HEX     decode MQTT payload, e.g. decode voltage e02e0000
- decode series B64     decode event stream data, also protector
- exit
`

const showBuckets = 10

type console struct {
	ctx  context.Context
	d    *desk.Desk
	log  *log2.Log
	out  io.Writer
	exit func()
}

func consoleMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	d, err := newDesk(config, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &console{ctx: ctx, d: d, log: log, out: os.Stdout}
	c.exit = func() {
		cancel()
		if err := d.Close(); err != nil {
			log.Error(err)
		}
		os.Exit(0)
	}
	defer d.Close()
	return cli.MainLoop("powerdesk", c.exec, c.complete)
}

func (c *console) exec(line string) {
	if err := c.run(strings.Fields(line)); err != nil {
		c.log.Errorf("%s", errors.ErrorStack(err))
	}
}

func (c *console) run(words []string) error {
	if len(words) == 0 {
		return nil
	}
	arg := func(i int) string {
		if i < len(words) {
			return words[i]
		}
		return ""
	}
	switch words[0] {
	case "help", "?":
		fmt.Fprint(c.out, consoleUsage)
	case "exit", "quit":
		c.exit()
	case "mount":
		ctx, cancel := context.WithTimeout(c.ctx, mountTimeout)
		defer cancel()
		return c.d.MountDevice(ctx, arg(1))
	case "unmount":
		return c.d.UnmountDevice(arg(1))
	case "list":
		for _, v := range c.d.Views() {
			fmt.Fprintln(c.out, v.ID())
		}
	case "show":
		return c.show(arg(1))
	case "registry":
		for _, e := range c.d.Registry.Entries() {
			fmt.Fprintf(c.out, "%s refs=%d listeners=%d\n", e.Key, e.Refs, e.Listeners)
		}
	case "stat":
		fmt.Fprintln(c.out, c.d.Stat.String())
	case "decode":
		data := ""
		if len(words) > 2 {
			data = strings.Join(words[2:], "")
		}
		return c.decode(arg(1), data)
	default:
		return errors.NotFoundf("command=%s, try help", words[0])
	}
	return nil
}

func (c *console) show(id string) error {
	v, ok := c.d.View(id)
	if !ok {
		return errors.NotFoundf("view=%s", id)
	}
	switch x := v.(type) {
	case *desk.ChannelStats:
		s := x.Snapshot()
		fmt.Fprintf(c.out, "%s V=%s I=%s P=%s port=%s buck=%s protocol=%s abnormal=%s buck-V=%s buck-limit-I=%s limit-P=%s\n",
			id, formatValue(s.Voltage), formatValue(s.Current), formatValue(s.Power),
			s.Port, s.Buck, s.Protocol, s.Abnormal,
			formatValue(s.BuckOutputVoltage), formatValue(s.BuckOutputLimitCurrent), formatValue(s.LimitPower))
		return nil

	case desk.Chart:
		s := x.Snapshot()
		fmt.Fprintf(c.out, "%s metrics=%s len=%d\n", id, strings.Join(s.Metrics, ","), s.Len())
		from := 0
		if s.Len() > showBuckets {
			from = s.Len() - showBuckets
		}
		for j := from; j < s.Len(); j++ {
			vs := make([]string, len(s.Series))
			for i := range s.Series {
				vs[i] = formatValue(s.Series[i][j])
			}
			fmt.Fprintf(c.out, "%s %s\n", s.Labels[j], strings.Join(vs, " "))
		}
		if p, ok := x.(*desk.ProtectorPanel); ok {
			if latest, ok := p.Latest(); ok {
				fmt.Fprintf(c.out, "latest %s\n", latest.String())
			}
		}
		return nil
	}
	return errors.NotSupportedf("view=%s type=%T", id, v)
}

func (c *console) decode(what, data string) error {
	switch what {
	case wire.EventSeries:
		item, err := wire.DecodeSeriesEvent(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, item.String())
		return nil
	case wire.EventProtector:
		item, err := wire.DecodeProtectorEvent(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, item.String())
		return nil
	}
	m, err := topic.ParseMetric(what)
	if err != nil {
		return err
	}
	b, err := helpers.ParseHex(data)
	if err != nil {
		return errors.Annotatef(err, "hex=%s", data)
	}
	s, err := wire.Decode(m, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", m.String(), s.String())
	return nil
}

func (c *console) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		return cli.Suggest(d, commandSuggests)
	}
	switch words[0] {
	case "show":
		ss := make([]prompt.Suggest, 0)
		for _, v := range c.d.Views() {
			ss = append(ss, prompt.Suggest{Text: v.ID()})
		}
		return cli.Suggest(d, ss)
	case "mount", "unmount":
		ss := make([]prompt.Suggest, 0)
		for _, name := range c.d.Config.DeviceNames() {
			ss = append(ss, prompt.Suggest{Text: name})
		}
		return cli.Suggest(d, ss)
	case "decode":
		ss := []prompt.Suggest{{Text: wire.EventSeries}, {Text: wire.EventProtector}}
		for _, m := range topic.AllMetrics() {
			ss = append(ss, prompt.Suggest{Text: m.String()})
		}
		return cli.Suggest(d, ss)
	}
	return nil
}

var commandSuggests = []prompt.Suggest{
	{Text: "mount", Description: "mount device page"},
	{Text: "unmount", Description: "unmount device page"},
	{Text: "list", Description: "mounted views"},
	{Text: "show", Description: "view content"},
	{Text: "registry", Description: "live subscriptions"},
	{Text: "stat", Description: "transport counters"},
	{Text: "decode", Description: "decode payload"},
	{Text: "help"},
	{Text: "exit"},
}

func formatValue(v series.Value) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%.3f", v.V)
}
