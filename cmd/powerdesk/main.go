package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/cmd/powerdesk/subcmd"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/state"
)

var modules = []subcmd.Mod{
	{Name: "watch", Desc: "mount configured devices, serve HTTP API", Main: watchMain},
	{Name: "console", Desc: "interactive mount/show/decode", Main: consoleMain},
	{Name: "topics", Desc: "print MQTT topics of configured devices", Main: topicsMain},
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "powerdesk.hcl", "")
	cmdline.Usage = func() { fmt.Fprint(os.Stderr, subcmd.Usage(os.Args[0], modules)) }
	_ = cmdline.Parse(os.Args[1:])

	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify(log, "start") {
		// under systemd journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	command := cmdline.Arg(0)
	if command == "" {
		command = "watch"
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := mod.Main(ctx, config, log); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
