// Copyright 2024 The preheat authors. All Rights Reserved.
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

// Package daemon drives the single event loop: the scan and update
// half-ticks, the prediction pass, autosaves, and signal-derived
// actions. All model access happens on this loop; signals and timers
// only enqueue work.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/preheatd/preheat/pkg/config"
	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/prophet"
	"github.com/preheatd/preheat/pkg/spy"
	"github.com/preheatd/preheat/pkg/stats"

	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("daemon")

// ProcReader is the full /proc surface the daemon wires into its
// components.
type ProcReader interface {
	spy.ProcSource
	prophet.MemstatReader
}

// Options carries daemon-level knobs not found in the config file.
type Options struct {
	// ConfigPath is re-read on SIGHUP.
	ConfigPath string
	// StateFile is the persistence path.
	StateFile string
	// PauseFile is the pause flag path.
	PauseFile string
	// SessionBoost enables the boot-window top-app preload.
	SessionBoost bool
	// HasDesktopEntry is handed to the observer, may be nil.
	HasDesktopEntry spy.DesktopFilter
}

// Daemon owns the model state and the event loop.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	state   *model.State
	src     ProcReader
	spy     *spy.Spy
	prophet *prophet.Prophet
	pause   *Pause
	session *Session

	// scanHalf is true when the next tick timer fires the scan half.
	scanHalf bool
}

// New assembles a daemon around a freshly loaded model state.
func New(cfg *config.Config, state *model.State, src ProcReader, opts Options) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		state:    state,
		src:      src,
		pause:    NewPause(opts.PauseFile),
		session:  NewSession(opts.SessionBoost),
		scanHalf: true,
	}
	d.configure(cfg)
	return d
}

// configure (re)builds the observer and predictor from the config.
// Called at startup and on config reload.
func (d *Daemon) configure(cfg *config.Config) {
	d.cfg = cfg
	manual := cfg.ManualAppList()

	d.spy = spy.New(d.state, d.src, spy.Options{
		MinSize:         cfg.Model.MinSize,
		ExcludePatterns: cfg.Preheat.ExcludePatterns,
		UserAppPaths:    cfg.Preheat.UserAppPaths,
		ManualApps:      manual,
		MapPrefix:       cfg.System.MapPrefix,
		ExePrefix:       cfg.System.ExePrefix,
		HasDesktopEntry: d.opts.HasDesktopEntry,
	})
	d.prophet = prophet.New(d.state, d.src, prophet.Options{
		Cycle:          cfg.Model.Cycle,
		UseCorrelation: cfg.Model.UseCorrelation,
		MemTotalPct:    cfg.Model.MemTotal,
		MemFreePct:     cfg.Model.MemFree,
		MemCachedPct:   cfg.Model.MemCached,
		MaxProcs:       cfg.System.MaxProcs,
		SortStrategy:   cfg.System.SortStrategy,
		ManualApps:     manual,
	})

	// Manual apps may be preloaded before their first observed run.
	d.spy.SeedManualApps(manual)
}

// Run executes the event loop until the context is canceled or a stop
// signal arrives. On the way out a final save is performed if needed.
func (d *Daemon) Run(ctx context.Context) error {
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigc)

	if ms, err := d.src.ReadMemstat(); err == nil {
		d.state.Memstat = model.Memstat(ms)
		d.state.MemstatTimestamp = d.state.Time
	}

	tick := time.NewTimer(0)
	defer tick.Stop()
	autosave := time.NewTimer(time.Duration(d.cfg.System.Autosave) * time.Second)
	defer autosave.Stop()

	log.Info("preheat daemon running, cycle %ds", d.cfg.Model.Cycle)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case <-tick.C:
			tick.Reset(d.halfTick())

		case <-autosave.C:
			d.autosave()
			autosave.Reset(time.Duration(d.cfg.System.Autosave) * time.Second)

		case sig := <-sigc:
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP received, reloading configuration")
				d.reload()
			case syscall.SIGUSR1:
				log.Info("SIGUSR1 received, dumping state")
				d.state.DumpLog()
			case syscall.SIGUSR2:
				log.Info("SIGUSR2 received, saving state")
				d.save()
			default:
				log.Info("%v received, shutting down", sig)
				return d.shutdown()
			}
		}
	}
}

// halfTick runs the due half of the tick, advances the virtual clock
// and returns the wall delay until the other half. The clock advances
// by cycle/2 after the scan half and by the rounded-up remainder after
// the update half, so odd cycle lengths do not drift.
func (d *Daemon) halfTick() time.Duration {
	if d.scanHalf {
		d.runScanHalf()
		d.scanHalf = false
		delta := d.cfg.Model.Cycle / 2
		d.state.Time += delta
		return time.Duration(delta) * time.Second
	}
	d.runUpdateHalf()
	d.scanHalf = true
	delta := (d.cfg.Model.Cycle + 1) / 2
	d.state.Time += delta
	return time.Duration(delta) * time.Second
}

// runScanHalf scans /proc and, unless paused, predicts and preloads.
func (d *Daemon) runScanHalf() {
	if d.cfg.System.DoScan {
		if err := d.spy.Scan(); err != nil {
			log.Warn("scan failed: %v", err)
		} else {
			d.state.Dirty = true
			d.state.ModelDirty = true
			stats.ScanCycles.Inc()
		}
		d.updateGauges()
	}

	if !d.cfg.System.DoPredict {
		return
	}
	if d.pause.Active() {
		log.Debug("preloading paused, skipping prediction")
		return
	}
	if d.session.InBootWindow() {
		log.Debug("session boot window active (%s remaining)", d.session.Remaining())
		if err := d.prophet.Boost(d.cfg.Preheat.BoostApps); err != nil {
			log.Warn("session boost failed: %v", err)
		}
	}
	if err := d.prophet.Predict(); err != nil {
		log.Warn("prediction failed: %v", err)
	} else {
		stats.PredictCycles.Inc()
	}
}

// runUpdateHalf folds the scan's queued work into the model.
func (d *Daemon) runUpdateHalf() {
	if !d.state.ModelDirty {
		return
	}
	if err := d.spy.UpdateModel(); err != nil {
		log.Warn("model update failed: %v", err)
		return
	}
	d.state.ModelDirty = false
}

func (d *Daemon) updateGauges() {
	stats.TrackedExes.Set(float64(len(d.state.Exes)))
	stats.TrackedMaps.Set(float64(d.state.NumMaps()))
	stats.RunningExes.Set(float64(len(d.state.RunningExes)))
}

// autosave persists the model if anything changed since the last save.
func (d *Daemon) autosave() {
	if !d.state.Dirty {
		return
	}
	d.save()
}

func (d *Daemon) save() {
	if err := d.state.Save(d.opts.StateFile); err != nil {
		// The dirty flag stays set; the next autosave retries.
		stats.StateSaveErrors.Inc()
		log.Error("state save failed: %v", err)
		return
	}
	stats.StateSaves.Inc()
}

// reload re-reads the configuration and rebuilds the components on top
// of the existing model state.
func (d *Daemon) reload() {
	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		log.Error("config reload failed, keeping previous configuration: %v", err)
		return
	}
	d.configure(cfg)
}

// shutdown performs the final save and releases the pause watcher.
// Prediction workers are waited on synchronously inside every predict
// pass, so none can be outstanding here.
func (d *Daemon) shutdown() error {
	log.Info("shutting down")
	if d.state.Dirty {
		d.save()
	}
	d.pause.Close()
	logger.Flush()
	return nil
}
