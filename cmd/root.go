// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the CLI front end: one command that takes a config
// file, mounts everything in it, and runs until signalled.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/cfg"
	"github.com/aar10n/fuse-adapter/logger"
	"github.com/aar10n/fuse-adapter/mountsup"
)

// Set when this process is the daemonized child, so it doesn't try to
// daemonize again.
const backgroundModeEnv = "FUSE_ADAPTER_IN_BACKGROUND"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fuse-adapter --config-file CONFIG",
	Short: "Mount remote object stores as local file systems",
	Long: `fuse-adapter presents remote object stores (GCS, S3-compatible
services, or an in-memory store for testing) as local POSIX-ish file
systems. All mounts are described in a single YAML config file and run
under one supervisor; SIGINT or SIGTERM flushes dirty data and unmounts
cleanly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoot()
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file")
	rootCmd.MarkPersistentFlagRequired("config-file")
	cobra.CheckErr(cfg.BindFlags(rootCmd.PersistentFlags()))
}

func runRoot() error {
	// Resolve before daemonizing: the daemon changes its working
	// directory.
	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	c, err := cfg.Load(resolved)
	if err != nil {
		return err
	}

	inBackground := os.Getenv(backgroundModeEnv) != ""

	if err := logger.Setup(logger.Config{
		Severity:   c.Logging.Severity,
		Format:     c.Logging.Format,
		FilePath:   c.Logging.FilePath,
		MaxSizeMB:  c.Logging.Rotate.MaxSizeMB,
		MaxBackups: c.Logging.Rotate.MaxBackups,
		MaxAgeDays: c.Logging.Rotate.MaxAgeDays,
		Compress:   c.Logging.Rotate.Compress,
	}); err != nil {
		return err
	}

	if !c.Foreground && !inBackground {
		return runInBackground(resolved)
	}

	logger.Debugf("Effective configuration:\n%s", cfg.Stringify(c))

	sup := mountsup.New(nil)
	if inBackground {
		// Report mount success or failure back to the waiting parent.
		sup.OnReady = func(startErr error) {
			if serr := daemonize.SignalOutcome(startErr); serr != nil {
				logger.Errorf("Signaling outcome to parent: %v", serr)
			}
		}
	}

	return sup.Run(context.Background(), c)
}

// runInBackground re-executes this binary as a daemon and waits for it
// to report mount success or failure.
func runInBackground(configPath string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := []string{"--config-file", configPath}

	env := os.Environ()
	env = append(env, fmt.Sprintf("%s=true", backgroundModeEnv))

	if err := daemonize.Run(path, args, env, os.Stdout, os.Stderr); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	return nil
}
