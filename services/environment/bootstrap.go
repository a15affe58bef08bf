// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// =============================================================================
// Platforms
// =============================================================================

const (
	// micromambaLatestURL serves a tar.bz2 archive of the latest build.
	micromambaLatestURL = "https://micro.mamba.pm/api/micromamba/%s/latest"

	// micromambaWindowsURL serves a bare executable.
	micromambaWindowsURL = "https://github.com/mamba-org/micromamba-releases/releases/download/2.0.4-0/micromamba-win-64.exe"

	// archiveMember is the binary's path inside the archive.
	archiveMember = "bin/micromamba"
)

// Platform is a Go OS/architecture pair.
type Platform struct {
	OS   string
	Arch string
}

// HostPlatform returns the platform this binary runs on.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// Windows reports whether the platform is Windows.
func (p Platform) Windows() bool {
	return p.OS == "windows"
}

// PackageManagerPlatform maps p to the package manager's platform string.
//
//	Platform{"linux", "amd64"}.PackageManagerPlatform()  // "linux-64"
//	Platform{"darwin", "arm64"}.PackageManagerPlatform() // "osx-arm64"
func (p Platform) PackageManagerPlatform() (string, error) {
	switch p.OS + "/" + p.Arch {
	case "linux/amd64":
		return "linux-64", nil
	case "linux/arm64":
		return "linux-aarch64", nil
	case "linux/ppc64le":
		return "linux-ppc64le", nil
	case "darwin/amd64":
		return "osx-64", nil
	case "darwin/arm64":
		return "osx-arm64", nil
	case "windows/amd64":
		return "win-64", nil
	default:
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, p.OS, p.Arch)
	}
}

// downloadURL returns where to fetch the binary for platform.
// override, when set, is used verbatim with %s replaced by the platform.
func downloadURL(platform, override string) string {
	if override != "" {
		if strings.Contains(override, "%s") {
			return fmt.Sprintf(override, platform)
		}
		return override
	}
	if platform == "win-64" {
		return micromambaWindowsURL
	}
	return fmt.Sprintf(micromambaLatestURL, platform)
}

// =============================================================================
// Bootstrap
// =============================================================================

// EnsureRuntimeInstalled installs the package-manager binary if missing.
//
// # Description
//
// Idempotent and serialized: concurrent callers wait for one download. On
// Unix the archive is streamed through bzip2 and tar, the bin/micromamba
// member is written next to the destination, marked executable and renamed
// into place, so a crash never leaves a half-written binary at BinaryPath.
// On Windows the executable is downloaded directly.
//
// # Outputs
//
//   - error: *BootstrapError on unsupported platform, HTTP failure, non-200
//     status or a missing archive member.
func (m *Manager) EnsureRuntimeInstalled(ctx context.Context) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	if info, err := os.Stat(m.cfg.BinaryPath); err == nil && !info.IsDir() {
		return nil
	}

	start := time.Now()
	err := m.bootstrap(ctx)
	m.metrics.RecordEnvironmentOp("bootstrap", time.Since(start).Seconds(), err == nil)
	if err != nil {
		m.logger.Error("package manager bootstrap failed", "error", err)
		return err
	}
	m.logger.Info("package manager installed", "path", m.cfg.BinaryPath, "duration", time.Since(start))
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	platform, err := m.platform.PackageManagerPlatform()
	if err != nil {
		return &BootstrapError{Err: err}
	}
	url := downloadURL(platform, m.cfg.DownloadURL)
	fail := func(err error) error {
		return &BootstrapError{Platform: platform, URL: url, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancel()

	m.logger.Info("downloading package manager", "platform", platform, "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
	}

	dest := m.cfg.BinaryPath
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".micromamba-*")
	if err != nil {
		return fail(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if platform == "win-64" {
		_, err = io.Copy(tmp, resp.Body)
	} else {
		err = extractMember(resp.Body, archiveMember, tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(err)
	}

	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fail(err)
	}
	return nil
}

// extractMember copies the named regular file out of a tar.bz2 stream.
func extractMember(r io.Reader, member string, w io.Writer) error {
	tr := tar.NewReader(bzip2.NewReader(r))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("archive has no %s", member)
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if strings.TrimPrefix(hdr.Name, "./") != member {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("archive member %s is not a regular file", member)
		}
		if _, err := io.Copy(w, tr); err != nil {
			return fmt.Errorf("extract %s: %w", member, err)
		}
		return nil
	}
}
