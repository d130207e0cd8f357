/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log provides the structured logger shared by every siemcore
// component. Output is framed as RFC5424 syslog records so a single
// logger can fan out to a local file and to a remote syslog relay
// without a format translation step.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	default:
		return "OFF"
	}
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Daemon | rfc5424.Debug
	case INFO:
		return rfc5424.Daemon | rfc5424.Info
	case WARN:
		return rfc5424.Daemon | rfc5424.Warning
	case ERROR:
		return rfc5424.Daemon | rfc5424.Error
	case CRITICAL:
		return rfc5424.Daemon | rfc5424.Crit
	case FATAL:
		return rfc5424.Daemon | rfc5424.Emergency
	default:
		return rfc5424.Daemon | rfc5424.Info
	}
}

// KV is a single structured field attached to a log line.
type KV struct {
	Key string
	Val interface{}
}

func Kv(key string, val interface{}) KV { return KV{Key: key, Val: val} }

// KVErr is shorthand for attaching an error field named "error".
func KVErr(err error) KV {
	if err == nil {
		return KV{Key: "error", Val: "<nil>"}
	}
	return KV{Key: "error", Val: err.Error()}
}

// Logger fans structured, leveled log records out to one or more
// io.Writers as RFC5424 records. Safe for concurrent use.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	hostname string
	appname  string
}

// New creates a Logger writing to wtr at level INFO.
func New(wtr io.Writer) *Logger {
	host, _ := os.Hostname()
	return &Logger{
		wtrs:     []io.Writer{wtr},
		lvl:      INFO,
		hostname: host,
		appname:  appnameFromArgs(),
	}
}

// NewDiscard creates a Logger that drops everything; useful for tests.
func NewDiscard() *Logger {
	return New(io.Discard)
}

// NewFile opens (creating if necessary) the file at path in append mode
// and returns a Logger writing to it.
func NewFile(path string) (*Logger, error) {
	fout, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

// LevelFromString parses the config-file string representation of a
// Level, defaulting empty to INFO.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return INFO, nil
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	case "FATAL":
		return FATAL, nil
	default:
		return OFF, fmt.Errorf("invalid log level %q", s)
	}
}

func appnameFromArgs() string {
	if len(os.Args) == 0 {
		return "siemcore"
	}
	return os.Args[0]
}

// AddWriter fans output out to an additional writer (e.g. a log file in
// addition to stderr).
func (l *Logger) AddWriter(w io.Writer) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.wtrs = append(l.wtrs, w)
}

// SetLevel gates which severities are emitted.
func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lvl = lvl
}

func (l *Logger) enabled(lvl Level) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return lvl >= l.lvl && l.lvl != OFF
}

func (l *Logger) log(lvl Level, msg string, fields ...KV) {
	if !l.enabled(lvl) {
		return
	}
	structured := msg
	for _, f := range fields {
		structured += fmt.Sprintf(" %s=%v", f.Key, f.Val)
	}
	rec := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   l.appname,
		MessageID: lvl.String(),
		Message:   []byte(structured),
	}
	line, err := rec.MarshalBinary()
	if err != nil {
		line = []byte(structured)
	}
	line = append(line, '\n')

	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, w := range l.wtrs {
		_, _ = w.Write(line)
	}
}

func (l *Logger) Debug(msg string, fields ...KV)    { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...KV)      { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...KV)      { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...KV)     { l.log(ERROR, msg, fields...) }
func (l *Logger) Critical(msg string, fields ...KV)  { l.log(CRITICAL, msg, fields...) }

// Fatal logs at FATAL and terminates the process;
// configuration-time failures are unrecoverable.
func (l *Logger) Fatal(msg string, fields ...KV) {
	l.log(FATAL, msg, fields...)
	os.Exit(1)
}
