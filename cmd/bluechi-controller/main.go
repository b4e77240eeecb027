// bluechi-controller runs the central fleet controller (spec §4.1).
// Flag/config-file parsing mirrors tinode-db/main.go's flag.String
// "-config" convention; graceful shutdown on SIGINT/SIGTERM/SIGHUP is
// grounded on server/shutdown.go's signalHandler, adapted to cancel a
// context instead of sending down a stop channel since every component
// here already takes a context.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/config"
	"github.com/bluechi-go/bluechi/internal/controller"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/bluechi/controller.conf", "path to the controller's JSON configuration")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	flag.Parse()

	cfg, err := config.LoadController(*configPath)
	if err != nil {
		log.Fatalf("bluechi-controller: %v", err)
	}

	log := logging.New("controller")
	mx := metrics.NewController()
	if cfg.MetricsEnabledAtStart {
		mx.Enable()
	}

	core := controller.New(cfg, clock.New(), log, mx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(log, cancel)

	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr, mx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- core.Run(ctx) }()
	go func() { errCh <- core.Serve(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != context.Canceled {
			log.Printf("stopped: %v", err)
		}
	}
}

func waitForSignal(log *logging.Logger, cancel context.CancelFunc) {
	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-signchan
	log.Printf("signal received: %s, shutting down", sig)
	cancel()
}

func serveMetrics(log *logging.Logger, addr string, mx *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mx.Registerer(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics listener stopped: %v", err)
	}
}
