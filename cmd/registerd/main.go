// Command registerd is the user-registration server variant described in
// spec.md/SPEC_FULL.md: the same readiness-loop/Connection/Registry
// machinery as chatd, with the chat command state machine replaced by a
// REGISTER/GET request dispatcher backed by a flat-file Repository.
package main

import (
	"flag"
	"os"

	"github.com/drawbridge-io/chatbroker/internal/config"
	"github.com/drawbridge-io/chatbroker/internal/conn"
	"github.com/drawbridge-io/chatbroker/internal/logx"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/pool"
	"github.com/drawbridge-io/chatbroker/internal/register"
	"github.com/drawbridge-io/chatbroker/internal/signalmgr"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

const listenBacklog = 128

// queueWorkers matches the original's single dedicated request-processing
// thread (internal/register.New's queueWorkers parameter).
const queueWorkers = 1

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Ftl("registerd: failed to load configuration: %v", err)
	}
	logx.SetLevel(logx.Level(cfg.LogLevel))

	if err := run(*configPath, cfg); err != nil {
		logx.Err("registerd: %v", err)
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

	registry := conn.NewRegistry(poller)

	fastPool := pool.New(cfg.FastPoolSize)
	fastPool.Initialize()
	defer fastPool.Shutdown()

	repo := register.NewFileRepository(cfg.DataFile)

	engine := register.New(registry, fastPool, poller, repo, queueWorkers, cfg.SleepMillis, sleepPolicyFromString(cfg.SleepPolicy), cfg.Maintenance)
	if err := engine.RegisterListener(listener); err != nil {
		return err
	}

	sig := signalmgr.New()
	go sig.Run(engine, func() {
		if rerr := config.Reload(configPath, cfg); rerr != nil {
			logx.Err("registerd: config reload failed: %v", rerr)
			return
		}
		fastPool.Resize(cfg.FastPoolSize)
		engine.SetMaintenance(cfg.Maintenance)
		engine.SetSleepPolicy(sleepPolicyFromString(cfg.SleepPolicy), cfg.SleepMillis)
		logx.SetLevel(logx.Level(cfg.LogLevel))
	})
	defer sig.Stop()

	logx.Info("registerd: listening on %s:%d (fast=%d datafile=%s)", cfg.TCPInterface, cfg.TCPPort, cfg.FastPoolSize, cfg.DataFile)
	engine.Run()
	logx.Info("registerd: shut down")
	return nil
}

// sleepPolicyFromString maps config.go's string constants to the enum
// register.Engine actually stores; an unrecognized value falls back to
// SleepFromReceipt, the compiled-in default policy.
func sleepPolicyFromString(s string) register.SleepPolicy {
	switch s {
	case config.SleepFromExecution:
		return register.SleepFromExecution
	case config.SleepTrailing:
		return register.SleepTrailing
	default:
		return register.SleepFromReceipt
	}
}
