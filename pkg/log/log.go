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

// Package log provides leveled logging with per-source loggers. Messages
// are routed to klog. Debugging can be toggled per source at runtime.
package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits with status 1.
	Fatal(format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logging is the state shared by all loggers.
type logging struct {
	sync.RWMutex
	level    Level
	loggers  map[string]*logger
	debug    map[string]bool
	debugAll bool
}

type logger struct {
	source string
}

var log = &logging{
	level:   LevelInfo,
	loggers: make(map[string]*logger),
	debug:   make(map[string]bool),
}

// NewLogger creates a logger for the given source, reusing an existing
// one if the source is already known.
func NewLogger(source string) Logger {
	log.Lock()
	defer log.Unlock()

	if l, ok := log.loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	log.loggers[source] = l
	return l
}

// SetLevel sets the lowest severity of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug turns debug messages on or off for the given sources.
// The pseudo-source "all" (or "*") toggles every source at once.
func EnableDebug(state bool, sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" || src == "*" {
			log.debugAll = state
			continue
		}
		log.debug[src] = state
	}
}

// Flush flushes any buffered log output.
func Flush() {
	klog.Flush()
}

func (l *logger) passes(level Level) bool {
	log.RLock()
	defer log.RUnlock()
	return level >= log.level
}

func (l *logger) prefixed(format string) string {
	return l.source + ": " + format
}

// Debug formats and emits a debug message.
func (l *logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfofDepth(1, l.prefixed("D: "+format), args...)
}

// Info formats and emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	if !l.passes(LevelInfo) {
		return
	}
	klog.InfofDepth(1, l.prefixed(format), args...)
}

// Warn formats and emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	if !l.passes(LevelWarn) {
		return
	}
	klog.WarningfDepth(1, l.prefixed(format), args...)
}

// Error formats and emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	if !l.passes(LevelError) {
		return
	}
	klog.ErrorfDepth(1, l.prefixed(format), args...)
}

// Fatal formats and emits an error message and exits.
func (l *logger) Fatal(format string, args ...interface{}) {
	klog.ExitfDepth(1, l.prefixed(format), args...)
}

// EnableDebug enables or disables debug messages for this logger.
func (l *logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debug[l.source]
	log.debug[l.source] = state
	return old
}

// DebugEnabled checks if debug messages are enabled for this logger.
func (l *logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugAll || log.debug[l.source]
}

// Source returns the source name of this logger.
func (l *logger) Source() string {
	return l.source
}

// ParseLevel parses a level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}
