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

// Package mountsup owns mount lifecycles: it assembles the connector,
// cache and bridge for each configured mount, runs them all, and turns
// SIGINT/SIGTERM into a graceful drain-flush-unmount sequence. Failure
// of one mount never tears down its siblings.
package mountsup

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"

	"github.com/aar10n/fuse-adapter/cfg"
	"github.com/aar10n/fuse-adapter/logger"
)

// Supervisor runs the configured mounts until they are unmounted or a
// shutdown signal arrives.
type Supervisor struct {
	clock timeutil.Clock

	registry *prometheus.Registry

	// OnReady, if set, is called once the mount phase is over: with nil
	// when every configured mount came up, or with the first start error.
	// Daemonized invocations use it to report back to the parent process.
	OnReady func(err error)
}

func New(clock timeutil.Clock) *Supervisor {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Supervisor{
		clock:    clock,
		registry: prometheus.NewRegistry(),
	}
}

// Run mounts everything in c and blocks until all mounts have ended.
// The returned error is non-nil if any mount failed to start or ended
// abnormally.
func (s *Supervisor) Run(ctx context.Context, c *cfg.Config) error {
	if c.Metrics.Port != 0 {
		go s.serveMetrics(c.Metrics.Port)
	}

	// Start every mount; collect the ones that came up.
	var running []*Mount
	var startErrs []error
	for i := range c.Mounts {
		m, err := s.startMount(ctx, &c.Mounts[i])
		if err != nil {
			logger.Errorf("Mount %q failed to start: %v", c.Mounts[i].Name, err)
			startErrs = append(startErrs, fmt.Errorf("mount %q: %w", c.Mounts[i].Name, err))
			continue
		}
		logger.Infof("Mounted %q at %q", m.Name(), m.Dir())
		running = append(running, m)
	}

	if s.OnReady != nil {
		var startErr error
		if len(startErrs) > 0 {
			startErr = startErrs[0]
		}
		s.OnReady(startErr)
	}

	if len(running) == 0 {
		if len(startErrs) > 0 {
			return startErrs[0]
		}
		return fmt.Errorf("no mounts to run")
	}

	// Turn signals into a flush of dirty data followed by unmount requests.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		for _, m := range running {
			if err := m.cache.DrainAll(context.Background()); err != nil {
				logger.Errorf("Draining cache for %q: %v", m.Name(), err)
			}
			m.RequestUnmount()
		}
	}()

	// Wait out the mounts. Each one drains its own cache on the way down.
	group := new(errgroup.Group)
	for _, m := range running {
		m := m
		group.Go(func() error {
			if err := m.Join(context.Background()); err != nil {
				return fmt.Errorf("mount %q: %w", m.Name(), err)
			}
			return nil
		})
	}

	err := group.Wait()
	if err == nil && len(startErrs) > 0 {
		err = startErrs[0]
	}
	return err
}

func (s *Supervisor) serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("Metrics server: %v", err)
	}
}

// Unmount asks the kernel to detach the file system at dir, as a
// convenience for tooling.
func Unmount(dir string) error {
	return fuse.Unmount(dir)
}
