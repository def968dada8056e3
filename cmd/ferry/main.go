package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/ferry/config"
	"github.com/wudi/ferry/internal/gateway"
	"github.com/wudi/ferry/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/ferry.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferry %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(gateway.ExitConfigError)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(gateway.ExitConfigError)
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(gateway.ExitIPCFailed)
	}

	os.Exit(server.Run())
}
