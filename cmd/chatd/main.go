// Command chatd is the multi-user text chat broker described in
// spec.md/SPEC_FULL.md: one listening socket, an epoll readiness loop, a
// fast/slow worker-pool pipeline, and the \help/\listall/\nickname/
// \private/\quit/\intro command state machine.
package main

import (
	"flag"
	"os"

	"github.com/drawbridge-io/chatbroker/internal/chat"
	"github.com/drawbridge-io/chatbroker/internal/config"
	"github.com/drawbridge-io/chatbroker/internal/conn"
	"github.com/drawbridge-io/chatbroker/internal/logx"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/notify"
	"github.com/drawbridge-io/chatbroker/internal/pool"
	"github.com/drawbridge-io/chatbroker/internal/signalmgr"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

const listenBacklog = 128

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Ftl("chatd: failed to load configuration: %v", err)
	}
	logx.SetLevel(logx.Level(cfg.LogLevel))

	if err := run(*configPath, cfg); err != nil {
		logx.Err("chatd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config) error {
	listener, err := socket.ListenTCP(cfg.TCPInterface, cfg.TCPPort, listenBacklog)
	if err != nil {
		return err
	}

	poller, err := netpoll.New()
	if err != nil {
		return err
	}
	defer poller.Close()

	notifier, err := notify.New()
	if err != nil {
		return err
	}
	defer notifier.Close()

	registry := conn.NewRegistry(poller)

	fastPool := pool.New(cfg.FastPoolSize)
	fastPool.Initialize()
	defer fastPool.Shutdown()

	slowPool := pool.New(cfg.SlowPoolSize)
	slowPool.Initialize()
	defer slowPool.Shutdown()

	engine, err := chat.New(registry, fastPool, slowPool, poller, notifier, cfg.WaitTimeoutMS)
	if err != nil {
		return err
	}
	if err := engine.RegisterListener(listener); err != nil {
		return err
	}

	sig := signalmgr.New()
	go sig.Run(engine, func() {
		if rerr := config.Reload(configPath, cfg); rerr != nil {
			logx.Err("chatd: config reload failed: %v", rerr)
			return
		}
		fastPool.Resize(cfg.FastPoolSize)
		slowPool.Resize(cfg.SlowPoolSize)
		logx.SetLevel(logx.Level(cfg.LogLevel))
	})
	defer sig.Stop()

	logx.Info("chatd: listening on %s:%d (fast=%d slow=%d)", cfg.TCPInterface, cfg.TCPPort, cfg.FastPoolSize, cfg.SlowPoolSize)
	engine.Run()
	logx.Info("chatd: shut down")
	return nil
}
