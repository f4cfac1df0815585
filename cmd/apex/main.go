package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/logging"
	"github.com/mraysmit/apex/internal/metrics"
	"github.com/mraysmit/apex/internal/runtime"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to the rules configuration file")
		inputFile  = flag.String("input", "-", "path to the JSON input record, or - for stdin")
		envPrefix  = flag.String("env-prefix", "APEX", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Engine.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	record, err := readRecord(*inputFile)
	if err != nil {
		log.Fatalf("failed to read input record: %v", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	engine, err := runtime.NewEngine(&cfg,
		runtime.WithLogger(logger),
		runtime.WithRecorder(recorder),
	)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	result := engine.Evaluate(ctx, record)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("failed to encode result: %v", err)
	}
	fmt.Println(string(out))

	if !result.Success {
		os.Exit(1)
	}
}

func readRecord(path string) (pipeline.Record, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var record pipeline.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("input is not a JSON object: %w", err)
	}
	return record, nil
}
