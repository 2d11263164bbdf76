// Copyright 2024 The go-spanner-mutex Authors
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

// Command spanner-mutex-demo wires a Controller to a real (or emulated)
// Spanner database from a JSON config file and runs it once. It is not part
// of the distributed-mutex protocol itself — just the ambient glue a
// caller needs to exercise it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/fgka/go-spanner-mutex/mutex"
	"github.com/fgka/go-spanner-mutex/trs"
)

// fileConfig is the on-disk JSON shape (spec §6), decoded with
// DisallowUnknownFields so a typo in the config file fails loudly instead of
// silently falling back to a default.
type fileConfig struct {
	MutexUUID        string `json:"mutex_uuid"`
	DisplayName      string `json:"mutex_display_name"`
	InstanceID       string `json:"instance_id"`
	DatabaseID       string `json:"database_id"`
	TableID          string `json:"table_id"`
	ProjectID        string `json:"project_id"`
	TTLSeconds       int    `json:"mutex_ttl_in_secs"`
	WaitTimeSeconds  int    `json:"mutex_wait_time_in_secs"`
	StalenessSeconds int    `json:"mutex_staleness_in_secs"`
	MaxRetries       int    `json:"mutex_max_retries"`
}

func loadConfig(path string) (mutex.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return mutex.Config{}, trace.Wrap(err, "opening config file %q", path)
	}
	defer f.Close()

	var fc fileConfig
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return mutex.Config{}, trace.Wrap(err, "decoding config file %q", path)
	}

	mutexUUID, err := uuid.Parse(fc.MutexUUID)
	if err != nil {
		return mutex.Config{}, trace.Wrap(err, "parsing mutex_uuid %q", fc.MutexUUID)
	}

	return mutex.Config{
		MutexUUID:        mutexUUID,
		DisplayName:      fc.DisplayName,
		InstanceID:       fc.InstanceID,
		DatabaseID:       fc.DatabaseID,
		TableID:          fc.TableID,
		ProjectID:        fc.ProjectID,
		TTLSeconds:       fc.TTLSeconds,
		WaitTimeSeconds:  fc.WaitTimeSeconds,
		StalenessSeconds: fc.StalenessSeconds,
		MaxRetries:       fc.MaxRetries,
	}, nil
}

// noopHooks is a placeholder Hooks for demo purposes: it always reports the
// mutex as needed and the critical section as an immediate no-op.
type noopHooks struct {
	logger *slog.Logger
}

func (h noopHooks) IsMutexNeeded(context.Context) (bool, error) { return true, nil }

func (h noopHooks) ExecuteCriticalSection(ctx context.Context, deadline time.Time) error {
	h.logger.InfoContext(ctx, "running critical section", "deadline", deadline)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to the mutex JSON config file")
	flag.Parse()

	logger := slog.Default().With("component", "spanner-mutex-demo")

	if err := run(*configPath, logger); err != nil {
		logger.Error("demo run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	if configPath == "" {
		return trace.BadParameter("missing -config flag")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	factory := trs.NewSpannerAdapterFactory(logger, nil)
	adapter, err := factory.Connect(ctx, cfg.InstanceID, cfg.DatabaseID, cfg.ProjectID)
	if err != nil {
		return trace.Wrap(err, "connecting to spanner")
	}

	ctrl, err := mutex.NewController(mutex.ControllerConfig{
		Mutex:   cfg,
		Adapter: adapter,
		Hooks:   noopHooks{logger: logger},
		Logger:  logger,
	})
	if err != nil {
		return trace.Wrap(err, "building controller")
	}

	ok, err := ctrl.Validate(ctx, false)
	if err != nil {
		return trace.Wrap(err, "mutex table %q is not usable", cfg.TableID)
	}
	if !ok {
		return trace.Errorf("mutex table %q is not usable", cfg.TableID)
	}

	fmt.Println(ctrl.String())
	return trace.Wrap(ctrl.Start(ctx))
}
