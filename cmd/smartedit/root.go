// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/smartedit/pkg/logging"
	"github.com/AleutianAI/smartedit/services/smartedit"
	"github.com/AleutianAI/smartedit/services/smartedit/config"
)

// closeTimeout bounds language server shutdown when a command ends.
const closeTimeout = 10 * time.Second

// app holds the global flags and the streams of one invocation.
type app struct {
	configPath string
	project    string
	logLevel   string
	jsonOutput bool

	in  io.Reader
	out io.Writer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{in: in, out: out}

	root := &cobra.Command{
		Use:   "smartedit",
		Short: "Symbol-aware code reading and editing backed by language servers",
		Long: `smartedit resolves symbols through the language server of each file
and edits code by name path ("Class/method") or by line range.

Line-range edits require the exact range to be read first in the same
session; use "smartedit run" to execute a read and an edit together.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default <project>/.smartedit/smartedit.yaml)")
	flags.StringVarP(&a.project, "project", "p", ".", "project root")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOutput, "json", false, "print edit results as JSON instead of a diff")

	root.AddCommand(
		a.overviewCmd(),
		a.findCmd(),
		a.refsCmd(),
		a.replaceBodyCmd(),
		a.insertAfterCmd(),
		a.insertBeforeCmd(),
		a.insertAtLineCmd(),
		a.deleteSymbolCmd(),
		a.readCmd(),
		a.runCmd(),
	)
	return root
}

// loadConfig resolves the configuration from the flags.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if a.configPath != "" {
		root := ""
		if cmd.Flags().Changed("project") {
			root = a.project
		}
		cfg, err = config.LoadFile(a.configPath, root)
	} else {
		cfg, err = config.LoadForProject(a.project)
	}
	if err != nil {
		return cfg, err
	}
	if a.logLevel != "" {
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return cfg, err
		}
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

// withService runs fn against a service for the configured project and
// shuts the service down afterwards. SIGINT and SIGTERM cancel ctx.
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *smartedit.Service) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LoggingConfig())
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A one-shot command exits before external edits matter.
	cfg.Watch.Enabled = false

	svc, err := smartedit.NewService(ctx, cfg, smartedit.Deps{Logger: logger.Slog()})
	if err != nil {
		return err
	}

	runErr := fn(ctx, svc)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Slog().Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// body returns the --body flag, or stdin when the flag is not set.
func (a *app) body(cmd *cobra.Command, flag string) (string, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetString(flag)
	}
	data, err := io.ReadAll(a.in)
	if err != nil {
		return "", fmt.Errorf("read body from stdin: %w", err)
	}
	return string(data), nil
}
