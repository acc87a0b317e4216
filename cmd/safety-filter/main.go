// Command safety-filter runs the CBF safety filter between a nominal
// controller and a mobile robot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/safety.filter/internal/config"
	"github.com/banshee-data/safety.filter/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a .json or .yaml filter config (defaults apply when empty)")
	devMode    = flag.Bool("dev", false, "Drive a simulated robot instead of the serial port")
	port       = flag.String("port", "", "Serial port, overrides the config")
	listen     = flag.String("listen", "", "HTTP listen address, overrides the config")
	grpcListen = flag.String("grpc-listen", "", "gRPC health listen address, overrides the config")
	dbPath     = flag.String("db", "", "Telemetry database path, overrides the config")
	noRefine   = flag.Bool("no-refine", false, "Load the precomputed certificate and never refresh it")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg := config.EmptyFilterConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFilterConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("safety-filter %s", version.String())
	if err := run(ctx, cfg, options{sim: *devMode}); err != nil {
		log.Fatalf("safety filter: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func applyFlags(cfg *config.FilterConfig) {
	if *port != "" {
		cfg.SerialPort = port
	}
	if *listen != "" {
		cfg.HTTPListen = listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	if *dbPath != "" {
		cfg.TelemetryDB = dbPath
	}
	if *noRefine {
		off := false
		cfg.UseRefinement = &off
	}
}
