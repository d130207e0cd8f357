/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dchest/safefile"

	"github.com/riftwire/siemcore/ingest/log"
)

// UpdateInfo is the decoded body of GET /v1/agents/updates.
type UpdateInfo struct {
	UpdateAvailable bool   `json:"update_available"`
	Version         string `json:"version"`
	DownloadURL     string `json:"download_url"`
	Checksum        string `json:"checksum"` // hex sha256
	ReleaseNotes    string `json:"release_notes"`
}

// DefaultUpdateCheckInterval is the update_check_interval_h default.
const DefaultUpdateCheckInterval = 24 * time.Hour

// Updater polls for new agent builds, verifies the downloaded binary's
// checksum, and performs an atomic rename-to-.bak-then-replace swap
// before re-executing itself.
type Updater struct {
	baseURL     string
	assetID     string
	agentKey    string
	version     string
	interval    time.Duration
	client      *http.Client
	lg          *log.Logger
	execPath    func() (string, error)
	execArgv    func(path string, argv []string, envv []string) error // overridable for tests
}

func NewUpdater(baseURL, assetID, agentKey, version string, lg *log.Logger) *Updater {
	return &Updater{
		baseURL:  baseURL,
		assetID:  assetID,
		agentKey: agentKey,
		version:  version,
		interval: DefaultUpdateCheckInterval,
		client:   &http.Client{Timeout: 60 * time.Second},
		lg:       lg,
		execPath: os.Executable,
		execArgv: reexec,
	}
}

// Run checks immediately then on the configured cadence, applying any
// available update and re-execing in place.
func (u *Updater) Run(ctx context.Context) error {
	u.checkOnce(ctx)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.checkOnce(ctx)
		}
	}
}

func (u *Updater) checkOnce(ctx context.Context) {
	info, err := u.checkUpdate(ctx)
	if err != nil {
		u.lg.Warn("update check failed", log.KVErr(err))
		return
	}
	if !info.UpdateAvailable || info.Version == u.version {
		return
	}
	u.lg.Info("agent update available", log.Kv("version", info.Version))
	if err := u.applyUpdate(ctx, info); err != nil {
		u.lg.Error("agent update failed", log.KVErr(err))
		return
	}
	// applyUpdate re-execs on success; reaching here means something
	// above returned without exec'ing, which should not happen.
}

func (u *Updater) checkUpdate(ctx context.Context) (UpdateInfo, error) {
	url := fmt.Sprintf("%s/v1/agents/updates?version=%s&os=%s&arch=%s", u.baseURL, u.version, runtime.GOOS, runtime.GOARCH)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return UpdateInfo{}, err
	}
	req.Header.Set("X-Agent-Key", u.agentKey)
	req.Header.Set("X-Asset-ID", u.assetID)

	resp, err := u.client.Do(req)
	if err != nil {
		return UpdateInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UpdateInfo{}, fmt.Errorf("agent: updates endpoint returned %d", resp.StatusCode)
	}
	var info UpdateInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return UpdateInfo{}, fmt.Errorf("agent: decode updates response: %w", err)
	}
	return info, nil
}

// applyUpdate streams the new binary into a safefile temp next to the
// current one, verifies its checksum before commit, swaps it into
// place with a .bak rollback point, and re-execs. On checksum or exec
// failure the running binary is left intact.
func (u *Updater) applyUpdate(ctx context.Context, info UpdateInfo) error {
	self, err := u.execPath()
	if err != nil {
		return fmt.Errorf("agent: resolve own executable path: %w", err)
	}

	f, err := safefile.Create(self, 0755)
	if err != nil {
		return fmt.Errorf("agent: stage update file: %w", err)
	}
	sum, err := u.download(ctx, info.DownloadURL, f)
	if err != nil {
		f.Close()
		return fmt.Errorf("agent: download update: %w", err)
	}
	if sum != info.Checksum {
		f.Close()
		return fmt.Errorf("agent: checksum mismatch: got %s want %s", sum, info.Checksum)
	}

	bak := self + ".bak"
	if err := os.Rename(self, bak); err != nil {
		f.Close()
		return fmt.Errorf("agent: back up current binary: %w", err)
	}
	if err := f.Commit(); err != nil {
		restoreErr := os.Rename(bak, self)
		if restoreErr != nil {
			return fmt.Errorf("agent: install new binary failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("agent: install new binary: %w (rolled back)", err)
	}

	argv := append([]string{self}, os.Args[1:]...)
	if err := u.execArgv(self, argv, os.Environ()); err != nil {
		// re-exec failed: restore .bak so the running (old) process is
		// at least consistent with the binary on disk
		os.Rename(bak, self)
		return fmt.Errorf("agent: re-exec after update: %w (rolled back)", err)
	}
	return nil // unreachable on success: syscall.Exec replaces the process image
}

// download streams the update body into w (a temp file on the same
// filesystem as the binary, so the later commit is atomic) and returns
// the hex sha256 of what was written.
func (u *Updater) download(ctx context.Context, url string, w io.Writer) (checksum string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
