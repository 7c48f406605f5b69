// Command snet-server runs the server-side composition: it accepts
// encrypted tunnel connections and relays their multiplexed sub-streams
// to whatever host:port each one requests.
package main

import (
	"fmt"
	"os"

	"github.com/quietproxy/snet/internal/config"
	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/netlog"
	"github.com/quietproxy/snet/internal/reactor"
	"github.com/quietproxy/snet/internal/resolver"
	"github.com/quietproxy/snet/internal/server"
)

// resolverWorkers is the size of the goroutine pool backing hostname
// resolution for outbound relay connections.
const resolverWorkers = 8

var log = netlog.New("snet-server")

func main() {
	cfg, err := config.ParseServerFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: snet-server -listen IP:PORT {-key KEY | -key-file PATH}")
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

	res := resolver.New(resolverWorkers)
	loop.AddLoopHandler(res)
	defer res.Close()

	app := server.New(cfg.ListenIP, cfg.ListenPort, key, loop, timers, res)
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

	log.Printf("listening for tunnel clients on %s:%d", cfg.ListenIP, cfg.ListenPort)
	if err := loop.Run(); err != nil {
		log.Error("reactor loop exited", err)
		os.Exit(1)
	}
}
