// Command snet-client runs the client-side composition: a local SOCKS5
// proxy whose connections are multiplexed over one encrypted tunnel to a
// snet-server instance.
package main

import (
	"fmt"
	"os"

	"github.com/quietproxy/snet/internal/client"
	"github.com/quietproxy/snet/internal/config"
	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/netlog"
	"github.com/quietproxy/snet/internal/reactor"
)

var log = netlog.New("snet-client")

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: snet-client [-listen IP:PORT] {-key KEY | -key-file PATH} ServerIP:Port")
		os.Exit(2)
	}

	key, err := config.LoadKey(cfg.Key, cfg.KeyFile)
	if err != nil {
		log.Error("loading key", err)
		os.Exit(1)
	}

	netio.IgnoreSIGPIPE()

	loop, err := reactor.New()
	if err != nil {
		log.Error("creating reactor", err)
		os.Exit(1)
	}
	timers := reactor.NewTimerList()
	loop.AddLoopHandler(reactor.NewTimerDriver(timers))

	app := client.New(cfg.ListenIP, cfg.ListenPort, cfg.TunnelIP, cfg.TunnelPort, key, loop, timers)
	if !app.IsListenOk() {
		log.Printf("failed to listen on %s:%d", cfg.ListenIP, cfg.ListenPort)
		os.Exit(1)
	}

	if cfg.KeyFile != "" {
		kw, err := config.WatchKeyFile(cfg.KeyFile, app.SetKey, func(err error) {
			log.Error("key file watcher", err)
		})
		if err != nil {
			log.Error("watching key file", err)
			os.Exit(1)
		}
		defer kw.Close()
	}

	log.Printf("listening for SOCKS5 on %s:%d, tunnelling to %s:%d", cfg.ListenIP, cfg.ListenPort, cfg.TunnelIP, cfg.TunnelPort)
	if err := loop.Run(); err != nil {
		log.Error("reactor loop exited", err)
		os.Exit(1)
	}
}
