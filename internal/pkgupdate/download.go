package pkgupdate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

// preflightDiskSpace requires both tmpDir and installDir to have at least
// 3x expectedSize free, via "df -Pk". A missing df binary soft-fails:
// the check is skipped, not an error.
func (e *Engine) preflightDiskSpace(tmpDir, installDir string, expectedSize int64) error {
	required := expectedSize * 3
	for _, dir := range []string{tmpDir, installDir} {
		free, err := freeSpaceKB(dir)
		if err != nil {
			e.logger.Printf("df unavailable for %s, skipping preflight check: %v", dir, err)
			continue
		}
		if free*1024 < required {
			return ctrlerr.Validation("insufficient free space in %s: have %d bytes, need %d", dir, free*1024, required)
		}
	}
	return nil
}

func freeSpaceKB(dir string) (int64, error) {
	cmd := exec.Command("df", "-Pk", dir)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, fmt.Errorf("unexpected df fields: %q", lines[len(lines)-1])
	}
	return strconv.ParseInt(fields[3], 10, 64)
}

// downloadPackage streams available's .deb into tmpDir, verifying its
// SHA-256 digest and size on completion. A mismatch deletes the file and
// returns an error.
func (e *Engine) downloadPackage(ctx context.Context, status *model.UpdateStatus, available *availablePackage, tmpDir string) (string, error) {
	url := available.Filename
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = fmt.Sprintf("%s/%s", e.DebBaseURL, strings.TrimPrefix(available.Filename, "/"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ctrlerr.WrapInternal(err, "building download request")
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return "", ctrlerr.WrapDependencyFailed(err, "downloading package")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", ctrlerr.WrapDependencyFailed(fmt.Errorf("status %d", resp.StatusCode), "downloading package")
	}

	destPath := filepath.Join(tmpDir, filepath.Base(available.Filename))
	f, err := os.Create(destPath)
	if err != nil {
		return "", ctrlerr.WrapInternal(err, "creating package file")
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), &progressReader{r: resp.Body, e: e, ctx: ctx, status: status, total: available.Size})
	f.Close()
	if err != nil {
		os.Remove(destPath)
		return "", ctrlerr.WrapDependencyFailed(err, "reading package body")
	}

	if available.Size > 0 && written != available.Size {
		os.Remove(destPath)
		return "", ctrlerr.WrapIntegrityFailed(fmt.Errorf("size mismatch: got %d, want %d", written, available.Size), "downloading package")
	}
	if available.SHA256 != "" {
		digest := hex.EncodeToString(hasher.Sum(nil))
		if digest != available.SHA256 {
			os.Remove(destPath)
			return "", ctrlerr.WrapIntegrityFailed(fmt.Errorf("sha256 mismatch: got %s, want %s", digest, available.SHA256), "downloading package")
		}
	}
	return destPath, nil
}

// progressReader wraps the download body so downloadPackage can fold
// progress anchoring (0-60%) in as a side effect of the copy, without a
// second pass over the stream.
type progressReader struct {
	r      io.Reader
	e      *Engine
	ctx    context.Context
	status *model.UpdateStatus
	total  int64
	read   int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		progress := phaseDownloadFrom
		if p.total > 0 {
			progress = phaseDownloadFrom + int(int64(phaseDownloadTo-phaseDownloadFrom)*p.read/p.total)
		}
		p.e.report(p.ctx, p.status, model.UpdatePhaseDownloading, progress, fmt.Sprintf("downloaded %d bytes", p.read))
	}
	return n, err
}
