//
// Copyright (C) 2020, 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/config"
	"edgexfoundry-holding/sampleguard-rfid/internal/logutil"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	serviceKey    = "sampleguard"
	defaultConfig = "res/configuration.toml"
)

type flags struct {
	configPath string
	listen     string
	seed       int64
	demo       bool
	logLevel   string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet(serviceKey, pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", defaultConfig, "path to the TOML configuration file")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address; overrides Service.ListenAddr")
	fs.Int64Var(&f.seed, "seed", 0, "simulator seed; overrides Service.Seed")
	fs.BoolVar(&f.demo, "demo", false, "seed demonstration tags, with a well-known key if none is set")
	fs.StringVar(&f.logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN, or ERROR; overrides Service.LogLevel")
	err := fs.Parse(args)
	return f, err
}

// applyFlags overrides cfg with any flags set on the command line.
func applyFlags(cfg *config.ServiceConfig, f flags) error {
	if f.listen != "" {
		cfg.Service.ListenAddr = f.listen
	}
	if f.seed != 0 {
		cfg.Service.Seed = f.seed
	}
	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	return cfg.Validate()
}

// masterKey returns the configured key. In demo mode,
// a missing key falls back to the demo key.
func masterKey(cfg *config.ServiceConfig, demo bool, lgr logutil.LogWrap) ([]byte, error) {
	key, err := cfg.Service.MasterKey()
	useDemo := demo && errors.Is(err, config.ErrNoMasterKey)
	if !lgr.WarnIf(useDemo, "No master key configured; using the demo key. Do not protect real samples with it.",
		logutil.Secret("masterKey")) {
		return key, err
	}
	return demoMasterKey(), nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(f.configPath)
	if err == nil {
		err = applyFlags(cfg, f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lc := logger.NewClient(serviceKey, false, "", cfg.Service.LogLevel)
	lgr := logutil.New(lc)
	lgr.Info("Starting.", "config", f.configPath)

	key, err := masterKey(cfg, f.demo, lgr)
	lgr.ExitIfErr(err, "Failed to load the master key.")

	var extra []config.TagConfig
	if f.demo {
		extra = demoTags(time.Now().UTC())
		lgr.Info("Seeding demo tags.", "count", len(extra))
	}

	svc, err := newService(cfg, lc, key, extra...)
	lgr.ExitIfErr(err, "Failed to build service.")

	initCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.RequestTimeout)
	if err := svc.readers.InitializeAll(initCtx); err != nil {
		lgr.Warn("Some readers failed to initialize; retry over HTTP.", "error", err)
	}
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = svc.app.RunUntilCancelled(ctx, cfg.Service.ListenAddr)
	stop()
	svc.Close()
	lgr.ExitIfErr(err, "HTTP server failed.")

	lgr.Info("Exiting.")
}
