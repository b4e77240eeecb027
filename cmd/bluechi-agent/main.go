// bluechi-agent runs the per-node systemd proxy (spec §4.3): it dials
// the Controller, subscribes to systemd's D-Bus signals, and serves a
// host-local client bus. See cmd/bluechi-controller/main.go for the
// shared flag/signal-handling conventions.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bluechi-go/bluechi/internal/agent"
	"github.com/bluechi-go/bluechi/internal/agent/systemd"
	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/config"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/bluechi/agent.conf", "path to the agent's JSON configuration")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("bluechi-agent: %v", err)
	}

	appLog := logging.New("agent[" + cfg.Name + "]")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sysd, err := systemd.Dial(ctx)
	if err != nil {
		log.Fatalf("bluechi-agent: systemd: %v", err)
	}
	defer sysd.Close()

	mx := metrics.NewAgent()
	if cfg.MetricsEnabledAtStart {
		mx.Enable()
	}

	core := agent.New(cfg, clock.New(), appLog, mx, sysd)

	go waitForSignal(appLog, cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- core.Run(ctx) }()
	go func() { errCh <- core.Serve(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != context.Canceled {
			appLog.Printf("stopped: %v", err)
		}
	}
}

func waitForSignal(appLog *logging.Logger, cancel context.CancelFunc) {
	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-signchan
	appLog.Printf("signal received: %s, shutting down", sig)
	cancel()
}
