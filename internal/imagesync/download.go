package imagesync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linuxmuster-net/linbo-ctrl/internal/atomicfs"
	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

const throttleChunk = 32 * 1024

// runPull fetches the manifest entry for job.ImageName and drives the full
// pull: staged download with resume, sidecars, MD5 verification, and the
// atomic directory swap into images/<name>.
func (e *Engine) runPull(ctx context.Context, job *model.ImageJob) error {
	manifest, err := e.getManifest(ctx)
	if err != nil {
		return err
	}
	entry := findManifestEntry(manifest, job.ImageName)
	if entry == nil {
		return ctrlerr.NotFound("image %s not found in manifest", job.ImageName)
	}

	staging := e.incomingDir(job.ImageName)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ctrlerr.WrapInternal(err, "creating staging directory")
	}

	job.TotalBytes = entry.ImageSize
	e.saveJob(ctx, job)

	primary := primaryFile(entry)
	if err := e.downloadWithResume(ctx, job, entry.Name, primary, staging); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, f := range entry.Files {
		if f.Name == primary {
			continue
		}
		f := f
		g.Go(func() error {
			if err := e.downloadBestEffort(gctx, entry.Name, f.Name, staging); err != nil {
				e.logger.Printf("sidecar %s for %s: %v", f.Name, entry.Name, err)
			}
			return nil
		})
	}
	g.Wait()

	job.Status = model.ImageJobVerifying
	e.saveJob(ctx, job)

	md5Path := filepath.Join(staging, primary+".md5")
	if expected, err := os.ReadFile(md5Path); err == nil {
		if err := verifyMD5(filepath.Join(staging, primary), firstToken(string(expected))); err != nil {
			return ctrlerr.WrapIntegrityFailed(err, "verifying %s checksum", primary)
		}
	}

	final := e.finalDir(job.ImageName)
	if err := atomicfs.RemoveAll(final); err != nil {
		return ctrlerr.WrapInternal(err, "removing previous image directory")
	}
	if err := os.Rename(staging, final); err != nil {
		return ctrlerr.WrapInternal(err, "swapping image directory into place")
	}
	return nil
}

// downloadWithResume downloads file of image imageName into staging,
// resuming from an existing ".part" file via HTTP Range when possible.
// A 200 response to a ranged request means the remote content changed;
// the partial file is discarded and the download restarts from zero.
func (e *Engine) downloadWithResume(ctx context.Context, job *model.ImageJob, imageName, file, staging string) error {
	url := e.authority.DownloadURL(imageName, file)

	headReq, err := e.authority.NewDownloadRequest(ctx, http.MethodHead, url, "", "")
	if err != nil {
		return err
	}
	headResp, err := e.authority.Do(headReq)
	if err != nil {
		return err
	}
	headResp.Body.Close()
	if headResp.StatusCode < 200 || headResp.StatusCode >= 300 {
		return ctrlerr.WrapDependencyFailed(fmt.Errorf("HEAD status %d", headResp.StatusCode), "checking %s", file)
	}
	etag := headResp.Header.Get("ETag")
	lastModified := headResp.Header.Get("Last-Modified")
	validator := etag
	if validator == "" {
		validator = lastModified
	}

	partPath := filepath.Join(staging, file+".part")

	for attempt := 0; attempt < 2; attempt++ {
		offset := int64(0)
		if info, err := os.Stat(partPath); err == nil {
			offset = info.Size()
		}

		req, err := e.authority.NewDownloadRequest(ctx, http.MethodGet, url, rangeHeader(offset), validator)
		if err != nil {
			return err
		}
		resp, err := e.authority.Do(req)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			if offset > 0 {
				// Remote content changed under us: drop the partial file
				// and restart the range negotiation from scratch.
				resp.Body.Close()
				os.Remove(partPath)
				continue
			}
			return e.streamToFile(ctx, job, resp, partPath, file, false)
		case http.StatusPartialContent:
			return e.streamToFile(ctx, job, resp, partPath, file, offset > 0)
		default:
			resp.Body.Close()
			return ctrlerr.WrapDependencyFailed(fmt.Errorf("GET status %d", resp.StatusCode), "downloading %s", file)
		}
	}
	return ctrlerr.WrapDependencyFailed(fmt.Errorf("remote content kept changing"), "downloading %s", file)
}

func rangeHeader(offset int64) string {
	if offset <= 0 {
		return ""
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// streamToFile copies resp.Body into partPath (appending if appendMode is
// true), sampling progress into the job record every progressInterval and
// honoring an optional bandwidth cap.
func (e *Engine) streamToFile(ctx context.Context, job *model.ImageJob, resp *http.Response, partPath, displayName string, appendMode bool) error {
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return ctrlerr.WrapInternal(err, "opening %s", partPath)
	}
	defer f.Close()

	var limiter *rate.Limiter
	if e.BwLimitMbps > 0 {
		bytesPerSec := float64(e.BwLimitMbps) * 1e6 / 8
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), throttleChunk)
	}

	baseOffset := int64(0)
	if appendMode {
		if info, err := f.Stat(); err == nil {
			baseOffset = info.Size()
		}
	}

	downloaded := baseOffset
	lastSample := time.Now()
	lastSampleBytes := downloaded

	buf := make([]byte, throttleChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return werr
				}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return ctrlerr.WrapInternal(werr, "writing %s", partPath)
			}
			downloaded += int64(n)

			if time.Since(lastSample) >= progressInterval {
				e.reportProgress(ctx, job, downloaded, lastSampleBytes, lastSample)
				lastSample = time.Now()
				lastSampleBytes = downloaded
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return ctrlerr.WrapDependencyFailed(rerr, "reading %s body", displayName)
		}
	}

	e.reportProgress(ctx, job, downloaded, lastSampleBytes, lastSample)

	renamed := filepath.Join(filepath.Dir(partPath), displayName)
	if err := os.Rename(partPath, renamed); err != nil {
		return ctrlerr.WrapInternal(err, "finalizing %s", displayName)
	}
	return nil
}

func (e *Engine) reportProgress(ctx context.Context, job *model.ImageJob, downloaded, sampleStartBytes int64, sampleStart time.Time) {
	elapsed := time.Since(sampleStart).Seconds()
	speed := float64(0)
	if elapsed > 0 {
		speed = float64(downloaded-sampleStartBytes) / elapsed
	}

	job.BytesDownloaded = downloaded
	job.SpeedBytesPerSec = speed
	if job.TotalBytes > 0 {
		job.Progress = int(downloaded * 100 / job.TotalBytes)
		if speed > 0 {
			job.ETASeconds = int(float64(job.TotalBytes-downloaded) / speed)
		}
	}
	e.saveJob(ctx, job)
	e.bus.Broadcast(eventbus.TopicImageSyncProgress, map[string]any{
		"jobId":     job.ID,
		"imageName": job.ImageName,
		"progress":  job.Progress,
		"speed":     job.SpeedBytesPerSec,
		"eta":       job.ETASeconds,
		"bytes":     job.BytesDownloaded,
		"total":     job.TotalBytes,
	})
}

// downloadBestEffort downloads a non-primary sidecar file in one shot; a
// failure here does not fail the overall pull.
func (e *Engine) downloadBestEffort(ctx context.Context, imageName, file, staging string) error {
	url := e.authority.DownloadURL(imageName, file)
	req, err := e.authority.NewDownloadRequest(ctx, http.MethodGet, url, "", "")
	if err != nil {
		return err
	}
	resp, err := e.authority.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(staging, file), body, 0o644)
}

func verifyMD5(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expectedHex {
		return fmt.Errorf("md5 mismatch: got %s, want %s", actual, expectedHex)
	}
	return nil
}

func firstToken(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return s[:i]
		}
	}
	return s
}
