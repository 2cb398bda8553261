// Copyright 2025 Tom Barlow
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

package shared

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/config"
	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/internal/journal"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/metrics"
	"github.com/tombee/dedupv1adm/internal/monitor"
	"github.com/tombee/dedupv1adm/internal/scst"
	"github.com/tombee/dedupv1adm/internal/tracing"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Runtime bundles what the daemon commands share: configuration, logger,
// monitor client, kernel adapter and the lifecycle journal.
type Runtime struct {
	Config       *config.Config
	Daemon       *daemonconf.Config
	Logger       *slog.Logger
	InvocationID string
	Monitor      *monitor.Client
	Kernel       *scst.Adapter
	Events       *lifecycle.LifecycleLogger

	// Journal is nil when the journal could not be opened.
	Journal *journal.Store

	tracing *tracing.Provider
}

// LoadConfig loads the admin configuration with the global flags applied.
func LoadConfig() (*config.Config, error) {
	return config.Load(configFlag,
		config.WithRoot(rootFlag),
		config.WithDaemonConfig(daemonConfigFlag),
		config.WithMonitor(hostFlag, portFlag),
	)
}

// NewLogger builds the command logger. Logging environment variables win
// over the config file and --verbose wins over both.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lcfg := log.FromEnv()
	if os.Getenv("DEDUPV1_DEBUG") == "" && os.Getenv("DEDUPV1_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		lcfg.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		lcfg.Format = log.Format(cfg.Log.Format)
	}
	if verboseFlag {
		lcfg.Level = "debug"
	}
	lcfg.Output = w
	return log.New(lcfg)
}

// NewRuntime loads both configurations and builds the collaborators. A
// journal that cannot be opened is logged and skipped; lifecycle
// operations never depend on it.
func NewRuntime(ctx context.Context, stderr io.Writer) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	dc, err := daemonconf.Load(cfg.DaemonConfig, cfg.Root)
	if err != nil {
		return nil, err
	}

	logger, invocationID := log.WithInvocation(NewLogger(cfg, stderr))

	tp, err := tracing.Setup(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Output:         cfg.Tracing.Output,
		ServiceVersion: version,
		InvocationID:   invocationID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up tracing")
	}

	host, port, err := monitor.ResolveAddress(cfg.Monitor.Host, cfg.Monitor.Port, dc)
	if err != nil {
		tp.Shutdown(ctx)
		return nil, err
	}

	rt := &Runtime{
		Config:       cfg,
		Daemon:       dc,
		Logger:       logger,
		InvocationID: invocationID,
		Monitor: monitor.New(host, port,
			monitor.WithTimeout(cfg.Monitor.Timeout),
			monitor.WithLogger(logger)),
		Kernel:  scst.New(cfg.ProcRoot, cfg.ISCSIAdm, nil, logger),
		tracing: tp,
	}

	// A nil *journal.Store must not end up in the recorder interface.
	var recorder lifecycle.EventRecorder
	store, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.DebugContext(ctx, "lifecycle journal unavailable", "path", cfg.Journal.Path, log.Error(err))
	} else {
		rt.Journal = store
		recorder = store
	}
	rt.Events = lifecycle.NewLifecycleLogger(recorder, invocationID, logger)
	return rt, nil
}

// WithRuntime builds the runtime for cmd, runs fn and closes the runtime.
func WithRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); cerr != nil {
			rt.Logger.WarnContext(ctx, "cleanup failed", log.Error(cerr))
		}
	}()
	return fn(ctx, rt)
}

// Prerequisites returns the installation checker for this runtime.
func (r *Runtime) Prerequisites() *lifecycle.Prerequisites {
	return lifecycle.NewPrerequisites(r.Config.Root, r.Daemon, r.Kernel, r.Logger)
}

// Controller returns a lifecycle controller. progress receives poll dots
// and may be nil.
func (r *Runtime) Controller(progress io.Writer) *lifecycle.Controller {
	prereqs := r.Prerequisites()
	return lifecycle.NewController(r.Config.Root, r.Daemon, lifecycle.Deps{
		Monitor:     r.Monitor,
		Source:      monitor.NewSource(r.Monitor),
		Kernel:      r.Kernel,
		Launcher:    lifecycle.NewExecLauncher(r.Logger),
		Processes:   lifecycle.NewProcFS(r.Config.ProcRoot),
		Prereqs:     prereqs,
		Events:      r.Events,
		Logger:      r.Logger,
		Progress:    progress,
		LoggingFile: prereqs.LoggingFile(),
	})
}

// Close flushes spans, writes the metrics textfile and closes the journal.
func (r *Runtime) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	if path := r.Config.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to write metrics textfile"))
		}
	}
	if r.tracing != nil {
		if err := r.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Journal != nil {
		if err := r.Journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
