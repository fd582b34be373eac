// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.
//
// This file is derived from the klaytn/klaytn log package (module logger
// idiom: log.NewModuleLogger + per-module constants), reimplemented here
// since the package itself was not present in the retrieved source tree.

// Package log is the contextual, leveled logger shared by every subsystem
// of the pool. Loggers are created once per module with NewModuleLogger and
// carry structured key/value context through every call site.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
)

// Lvl is a logging priority, from LvlCrit (lowest value, least verbose) to
// LvlTrace (highest value, most verbose).
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

// Module identifiers, mirroring the teacher's log.StorageDatabase /
// log.APIDebug style per-package constants.
const (
	Workbase     = "workbase"
	Session      = "session"
	Share        = "share"
	Fabric       = "fabric"
	Stratum      = "stratum"
	Accounting   = "accounting"
	Orchestrator = "orchestrator"
	Proxy        = "proxy"
	Blockchain   = "blockchain"
	AdminAPI     = "adminapi"
	Storage      = "storage"
	Config       = "config"
	Stats        = "stats"
)

var (
	globalMu    sync.Mutex
	globalLevel = LvlInfo
	out         io.Writer = colorable.NewColorableStdout()
)

// SetLevel sets the process-wide minimum level emitted by every logger.
func SetLevel(l Lvl) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = l
}

// Logger is the interface every component depends on; never the
// concrete type, so tests can swap in a no-op or recording logger.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	module string
	ctx    []interface{}
}

// NewModuleLogger returns a Logger tagged with the given module name. Call
// once per package as a package-level var, as the teacher does:
// var logger = log.NewModuleLogger(log.Workbase).
func NewModuleLogger(module string) Logger {
	return &logger{module: module}
}

func (l *logger) New(ctx ...interface{}) Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &logger{module: l.module, ctx: nctx}
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	globalMu.Lock()
	cur := globalLevel
	globalMu.Unlock()
	if lvl > cur {
		return
	}

	var caller string
	if lvl <= LvlDebug {
		cs := stack.Caller(2)
		caller = fmt.Sprintf("%+v", cs)
	}

	lvlColor := colorFor(lvl)
	ts := time.Now().Format("2006-01-02T15:04:05.000Z0700")

	fmt.Fprintf(out, "%s [%s] %-5s %s", ts, l.module, lvlColor.Sprint(lvl.String()), msg)
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(out, " %v=%v", all[i], all[i+1])
	}
	if caller != "" {
		fmt.Fprintf(out, " caller=%s", caller)
	}
	fmt.Fprintln(out)
}

func colorFor(l Lvl) *color.Color {
	switch l {
	case LvlCrit, LvlError:
		return color.New(color.FgRed)
	case LvlWarn:
		return color.New(color.FgYellow)
	case LvlDebug, LvlTrace:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}
