/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/riftwire/siemcore/ingest/log"
)

// FileConfig is one entry of the remote policy's files_to_monitor list
// (the GET /v1/agents/my_config response).
type FileConfig struct {
	Path           string // glob pattern, matched with doublestar/v4
	Type           string // source_type tag applied to collected records
	MultilineStart string // optional regex marking the start of a new record; empty disables merging
}

type compiledFile struct {
	FileConfig
	startRe *regexp.Regexp
}

// Tailer is an
// fsnotify watch over the directories holding configured globs, with
// one follower per matched file that resumes from the position
// persisted in Store and detects rotation by inode change or size
// regression.
type Tailer struct {
	store   *Store
	watcher *fsnotify.Watcher
	lg      *log.Logger
	nearCap func() bool // backpressure predicate: true when the buffer is near its size cap

	mtx       sync.Mutex
	configs   []compiledFile
	dirs      map[string]struct{}
	followers map[string]*follower // absolute path -> follower
}

// NewTailer builds a Tailer backed by store. nearCap is consulted
// before every read pass; when true the tailer skips that pass
// instead of reading more into the buffer — backpressure slows reads
// down, the oldest buffered record is never evicted.
func NewTailer(store *Store, lg *log.Logger, nearCap func() bool) (*Tailer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("agent: new fsnotify watcher: %w", err)
	}
	return &Tailer{
		store:     store,
		watcher:   w,
		lg:        lg,
		nearCap:   nearCap,
		dirs:      map[string]struct{}{},
		followers: map[string]*follower{},
	}, nil
}

func (t *Tailer) Close() error {
	return t.watcher.Close()
}

// SetFiles swaps the monitored-file list. Remote config changes
// apply on the tailer's next scan cycle, never mid-batch; the
// caller (ConfigFetcher) is responsible for only calling this between
// forwarder cycles.
func (t *Tailer) SetFiles(cfgs []FileConfig) error {
	compiled := make([]compiledFile, 0, len(cfgs))
	for _, c := range cfgs {
		cf := compiledFile{FileConfig: c}
		if c.MultilineStart != "" {
			re, err := regexp.Compile(c.MultilineStart)
			if err != nil {
				return fmt.Errorf("agent: compile multiline regex for %q: %w", c.Path, err)
			}
			cf.startRe = re
		}
		compiled = append(compiled, cf)
	}
	t.mtx.Lock()
	t.configs = compiled
	t.mtx.Unlock()
	return t.rescan()
}

// rescan (re-)establishes fsnotify watches on every glob's base
// directory and picks up files already present on disk.
func (t *Tailer) rescan() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, c := range t.configs {
		base := staticDir(c.Path)
		if _, ok := t.dirs[base]; !ok {
			if err := t.watcher.Add(base); err != nil {
				t.lg.Error("failed to watch directory", log.Kv("dir", base), log.KVErr(err))
				continue
			}
			t.dirs[base] = struct{}{}
		}
		matches, err := doublestar.FilepathGlob(c.Path)
		if err != nil {
			t.lg.Error("invalid glob pattern", log.Kv("pattern", c.Path), log.KVErr(err))
			continue
		}
		for _, m := range matches {
			t.ensureFollowerLocked(m, c)
		}
	}
	return nil
}

func (t *Tailer) ensureFollowerLocked(path string, c compiledFile) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, ok := t.followers[abs]; ok {
		return
	}
	f, err := newFollower(abs, c, t.store, t.lg)
	if err != nil {
		t.lg.Error("failed to open file for tailing", log.Kv("path", abs), log.KVErr(err))
		return
	}
	t.followers[abs] = f
	// catch up on content already on disk past the persisted offset
	t.readOne(f)
}

// Run processes fsnotify events and polls every known follower on a
// ticker, so appends are picked up promptly via notification while a
// slow poll loop still catches anything fsnotify missed (e.g. NFS
// mounts that don't deliver inotify events reliably).
func (t *Tailer) Run(stop <-chan struct{}) {
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-stop:
			return
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.lg.Error("fsnotify watcher error", log.KVErr(err))
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(evt)
		case <-poll.C:
			t.pollAll()
		}
	}
}

func (t *Tailer) handleEvent(evt fsnotify.Event) {
	t.mtx.Lock()
	f, known := t.followers[evt.Name]
	t.mtx.Unlock()
	switch evt.Op {
	case fsnotify.Remove, fsnotify.Rename:
		if known {
			f.markRotated()
		}
	case fsnotify.Write, fsnotify.Create:
		if known {
			t.readOne(f)
		} else {
			// a new file that matches a configured glob; rescan picks it up
			t.rescan()
		}
	}
}

func (t *Tailer) pollAll() {
	t.mtx.Lock()
	followers := make([]*follower, 0, len(t.followers))
	for _, f := range t.followers {
		followers = append(followers, f)
	}
	t.mtx.Unlock()
	for _, f := range followers {
		t.readOne(f)
	}
}

func (t *Tailer) readOne(f *follower) {
	if t.nearCap != nil && t.nearCap() {
		return
	}
	if err := f.readNew(); err != nil {
		t.lg.Error("tailer read failed", log.Kv("path", f.path), log.KVErr(err))
	}
}

// follower tracks one tailed file: its open handle, identity (for
// rotation detection), and pending multiline accumulation.
type follower struct {
	path     string
	typ      string
	startRe  *regexp.Regexp
	store    *Store
	lg       *log.Logger
	fh       *os.File
	reader   *bufio.Reader
	inode    uint64
	lastSize int64
	pending  string
	rotated  bool
}

func newFollower(path string, c compiledFile, store *Store, lg *log.Logger) (*follower, error) {
	f := &follower{path: path, typ: c.Type, startRe: c.startRe, store: store, lg: lg}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *follower) open() error {
	fh, err := os.Open(f.path)
	if err != nil {
		return err
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return err
	}
	inode := inodeOf(fi)
	offset, err := f.store.GetPosition(inode, f.path)
	if err != nil {
		fh.Close()
		return err
	}
	if offset > fi.Size() {
		// size regression at the same inode: truncated in place, restart from 0
		offset = 0
	}
	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		fh.Close()
		return err
	}
	f.fh = fh
	f.reader = bufio.NewReader(fh)
	f.inode = inode
	f.lastSize = fi.Size()
	return nil
}

func (f *follower) markRotated() {
	f.rotated = true
}

// readNew reads whatever new, complete lines are available, applies
// multiline merge, enqueues records, and persists the new offset after
// every line so a crash between reads never replays already-forwarded
// data after a restart.
func (f *follower) readNew() error {
	if f.rotated {
		if err := f.reopen(); err != nil {
			return err
		}
	} else if fi, err := os.Stat(f.path); err == nil {
		inode := inodeOf(fi)
		if inode != f.inode || fi.Size() < f.lastSize {
			if err := f.reopen(); err != nil {
				return err
			}
		}
	}

	for {
		line, err := f.reader.ReadString('\n')
		if err == nil {
			f.ingestLine(trimNewline(line))
			if off, serr := f.fh.Seek(0, io.SeekCurrent); serr == nil {
				f.store.SetPosition(f.inode, f.path, off-int64(f.reader.Buffered()))
			}
			continue
		}
		if err == io.EOF {
			if line != "" {
				// incomplete trailing line: rewind so the next pass
				// rereads it once the writer finishes it
				if off, perr := f.store.GetPosition(f.inode, f.path); perr == nil {
					if _, serr := f.fh.Seek(off, io.SeekStart); serr == nil {
						f.reader.Reset(f.fh)
					}
				}
			}
			break
		}
		return err
	}
	if fi, err := f.fh.Stat(); err == nil {
		f.lastSize = fi.Size()
	}
	return nil
}

func (f *follower) reopen() error {
	if f.fh != nil {
		f.fh.Close()
	}
	f.flushPending()
	f.rotated = false
	return f.open()
}

// ingestLine applies the optional multiline-start regex: a line
// matching startRe begins a new record and flushes whatever was
// pending; a non-matching line is appended as a continuation of the
// pending record.
func (f *follower) ingestLine(line string) {
	if f.startRe == nil {
		f.enqueue(line)
		return
	}
	if f.startRe.MatchString(line) || f.pending == "" {
		f.flushPending()
		f.pending = line
		return
	}
	f.pending += "\n" + line
}

func (f *follower) flushPending() {
	if f.pending == "" {
		return
	}
	f.enqueue(f.pending)
	f.pending = ""
}

func (f *follower) enqueue(body string) {
	rec := Record{Source: f.path, Type: firstNonEmpty(f.typ, "file"), TS: time.Now().UTC(), Bytes: []byte(body)}
	if err := f.store.Enqueue(rec); err != nil {
		f.lg.Error("failed to enqueue collected record", log.Kv("path", f.path), log.KVErr(err))
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// staticDir returns the longest path prefix of pattern that contains no
// glob metacharacters, so fsnotify can watch a real directory even
// though the configured path is a glob like "/var/log/**/*.log".
func staticDir(pattern string) string {
	isAbs := filepath.IsAbs(pattern)
	parts := strings.Split(filepath.ToSlash(pattern), "/")
	var staticParts []string
	for _, p := range parts {
		if containsMeta(p) {
			break
		}
		staticParts = append(staticParts, p)
	}
	if len(staticParts) == 0 {
		return "."
	}
	dir := filepath.Join(staticParts...)
	if isAbs && !filepath.IsAbs(dir) {
		dir = string(filepath.Separator) + dir
	}
	return dir
}

func containsMeta(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
