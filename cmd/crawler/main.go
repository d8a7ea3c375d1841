package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/stealth-crawler/internal/app"
	"github.com/maltedev/stealth-crawler/internal/config"
	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/source"
	"github.com/maltedev/stealth-crawler/pkg/logger"
)

func main() {
	var (
		sourcesFile = flag.String("sources", "", "Source definitions file (default: CRAWLER_SOURCES_FILE)")
		sourceName  = flag.String("source", "", "Crawl only this source (default: all)")
		transport   = flag.String("transport", "", "Force transport: http or browser (default: per source, then CRAWLER_TRANSPORT)")
		outDir      = flag.String("out", "", "Results directory (default: RESULTS_DIR)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *sourcesFile != "" {
		cfg.Crawler.SourcesFile = *sourcesFile
	}
	if *outDir != "" {
		cfg.Storage.ResultsDir = *outDir
	}
	if *transport != "" {
		cfg.Crawler.Transport = *transport
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// stdout carries the run summary, so logs go to stderr.
	logger := logger.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, cancelling crawl")
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	defs := a.Definitions
	if *sourceName != "" {
		def, err := source.Find(defs, *sourceName)
		if err != nil {
			logger.Error("unknown source", "source", *sourceName, "error", err)
			os.Exit(1)
		}
		defs = []source.Definition{def}
	}

	runner := a.Runner()
	var summaries []crawl.Summary
	exit := 0

	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}
		if *transport != "" {
			def.Transport = *transport
		}

		result, err := runner.Run(ctx, def)
		if result != nil {
			summaries = append(summaries, result.Summary())
		}
		switch {
		case err == nil:
		case crawl.IsCancelled(err):
			logger.Warn("crawl cancelled", "source", def.Name)
			exit = 130
		default:
			logger.Error("crawl failed", "source", def.Name, "error", err)
			exit = 1
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summaries); err != nil {
		fmt.Fprintf(os.Stderr, "failed to print summary: %v\n", err)
	}

	logger.Info("results written", "dir", a.Results.Dir(), "runs", len(summaries))
	a.Close()
	os.Exit(exit)
}
