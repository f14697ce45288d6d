package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hbomb79/Iris/internal"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Main")

// Schedulers key off the exit status: 1 means the batch (or gateway)
// failed on its own terms, 2 means the broker could not be reached and
// the whole cycle was abandoned.
const (
	exitOK                = 0
	exitFailure           = 1
	exitBrokerUnavailable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (omit to configure purely from environment variables)")
	flag.Usage = printUsage
	flag.Parse()

	mode := flag.Arg(0)
	if mode != "run" && mode != "serve" {
		printUsage()
		return exitFailure
	}

	config := internal.IrisConfig{}
	var loadErr error
	if *configPath != "" {
		loadErr = config.LoadFromFile(*configPath)
	} else {
		loadErr = config.LoadFromEnv()
	}
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "%s\n", loadErr)
		return exitFailure
	}

	logger.SetMinLoggingLevel(config.Log.MinLevel())
	if config.Log.Path != "" {
		if err := logger.SetOutputFile(config.Log.Path); err != nil {
			log.Emit(logger.WARNING, "Failed to open log file %s: %v\n", config.Log.Path, err)
		} else {
			defer logger.CloseOutputFile()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iris := internal.New(config)
	var err error
	switch mode {
	case "run":
		err = iris.RunPipeline(ctx)
	case "serve":
		err = iris.RunGateway(ctx)
	}

	if err != nil {
		log.Emit(logger.ERROR, "Iris has failed: %v\n", err)

		var unavailable *broker.UnavailableError
		if errors.As(err, &unavailable) {
			return exitBrokerUnavailable
		}

		return exitFailure
	}

	return exitOK
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <run|serve>\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "Modes:\n")
	fmt.Fprintf(os.Stderr, "  run    drain one batch of acquisition jobs from the broker, process it, then exit\n")
	fmt.Fprintf(os.Stderr, "  serve  host the REST/websocket gateway over the library catalog\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}
