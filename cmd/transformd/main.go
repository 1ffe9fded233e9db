// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// transformd runs the transform orchestration agent against a local
// store. The work registry handed to the store is created empty: this
// binary registers no descriptor kinds, so a stored transform whose
// metadata carries a work descriptor fails to load.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/internal/config"
	"github.com/dataforge/transformd/internal/store"
	"github.com/dataforge/transformd/internal/transformer"
	"github.com/dataforge/transformd/internal/work"
)

var logger = loggo.GetLogger("transformd.cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "transformd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		dbPath     string
		logLevel   string
	)
	flags := gnuflag.NewFlagSet("transformd", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the agent configuration file")
	flags.StringVar(&dbPath, "db", "", "path to the sqlite store (overrides the config file)")
	flags.StringVar(&logLevel, "log-level", "INFO", "root log level")
	if err := flags.Parse(true, args); err != nil {
		return err
	}

	if _, ok := loggo.ParseLevel(logLevel); ok {
		_ = loggo.ConfigureLoggers("<root>=" + logLevel)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "transformd.db"
	}

	registry := work.NewRegistry()
	repo, err := store.OpenSQLStore(cfg.DatabasePath, registry, clock.WallClock)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	bus := events.NewBus()
	agent, err := transformer.New(transformer.Config{
		Clock:                   clock.WallClock,
		Store:                   store.NewFacade(repo, clock.WallClock),
		Bus:                     bus,
		PublisherID:             events.PublisherID(fmt.Sprintf("transformer-%d", os.Getpid())),
		AgentAttributes:         cfg.AgentAttributes,
		PollTimePeriod:          cfg.PollTimePeriod(),
		PollOperationTimePeriod: cfg.PollOperationTimePeriod(),
		RetrieveBulkSize:        cfg.RetrieveBulkSize,
		MessageBulkSize:         cfg.MessageBulkSize,
		RetriesLimit:            cfg.Retries,
		MaxNumberWorkers:        cfg.MaxNumberWorkers,
		CleanLockingThreshold:   cfg.CleanLockingThreshold(),
	})
	if err != nil {
		return err
	}
	prometheus.MustRegister(transformer.NewCollector(agent))

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupts
		logger.Infof("caught %s, stopping agent", sig)
		agent.Kill()
	}()

	logger.Infof("transformd started")
	return agent.Wait()
}
