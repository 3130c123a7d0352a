// A command to run the tapdisk NBD client driver core standalone,
// against one export, for manual testing and debugging outside the
// rest of the blktap daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sevlyar/go-daemon"
	"gopkg.in/yaml.v2"

	"github.com/chunjiez/blktap/nbd"
	"github.com/chunjiez/blktap/sched"
)

var (
	configPath = flag.String("config", "", "path to a DriverConfig YAML file")
	target     = flag.String("target", "", "connect target: HOST:PORT, a unix socket path, or a stashed fd name (overrides -config's name)")
	debug      = flag.Bool("debug", false, "enable [DEBUG] logging")
	background = flag.Bool("daemon", false, "daemonize instead of running in the foreground")
	pidFile    = flag.String("pidfile", "", "pid file to write when -daemon is set")
)

// main is a thin wrapper so the interesting stuff lives in run, which
// a test could call directly.
func main() {
	flag.Parse()

	if *background {
		ctx := &daemon.Context{
			PidFileName: *pidFile,
			PidFilePerm: 0644,
			LogFileName: "",
			LogFilePerm: 0640,
			Umask:       027,
		}
		child, err := ctx.Reborn()
		if err != nil {
			log.Fatalf("daemonize: %v", err)
		}
		if child != nil {
			return
		}
		defer ctx.Release()
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (nbd.DriverConfig, error) {
	var cfg nbd.DriverConfig
	if path == "" {
		return cfg, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *target != "" {
		cfg.Name = *target
	}
	if cfg.Name == "" {
		return fmt.Errorf("no connect target: set -target or name: in -config")
	}
	if *debug {
		cfg.Debug = true
	}

	params, err := cfg.ParametersAsBool()
	if err != nil {
		return fmt.Errorf("config parameters: %w", err)
	}

	logger := nbd.NewLogger(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFlags(log.Ltime)
	}

	poller, err := sched.NewPoller(logger)
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	go poller.Run()
	defer poller.Stop()

	stash := nbd.NewFDStash(logger)
	pid := os.Getpid()
	receiver, err := nbd.StartFDReceiver(nbd.FDReceiverPath(pid), logger, nbd.StashCallback(stash))
	if err != nil {
		return fmt.Errorf("starting fd receiver: %w", err)
	}
	defer receiver.Stop()

	drv := nbd.NewDriver(nbd.DriverParams{
		Scheduler: poller,
		Stash:     stash,
		Logger:    logger,
		Debug:     cfg.Debug,
		Capacity:  cfg.Capacity,
	})

	if err := drv.Open(cfg.Name, cfg.Flags()); err != nil {
		return fmt.Errorf("opening %q: %w", cfg.Name, err)
	}

	info := drv.Info()
	logger.Printf("[INFO] connected: %d sectors of %d bytes", info.SizeSectors, info.SectorSize)
	if cfg.Debug {
		for k, v := range params {
			logger.Printf("[DEBUG] parameter %s=%v", k, v)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return drv.Close(ctx)
}
