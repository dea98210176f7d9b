// Package hoststatus implements the Host Status Scanner: a periodic
// liveness probe over every known host, write-on-change persistence, and
// a stale-host reaper. Probes fan out over SSH with a
// bounded worker pool.
package hoststatus

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
	"github.com/linuxmuster-net/linbo-ctrl/internal/sshexec"
)

// HostStore is the read/write surface the scanner needs from the Sync
// Engine: list every known host and persist an updated record.
type HostStore interface {
	Hosts(ctx context.Context) ([]*model.Host, error)
	SaveHost(ctx context.Context, h *model.Host) error
}

// ScanResult is the pre-probed reachability state for one host.
type ScanResult struct {
	IsOnline   bool
	DetectedOS string
}

const (
	defaultSSHPort     = 22
	defaultSSHUser     = "linbo"
	defaultConcurrency = 20
)

// Scanner runs the periodic liveness probe and the stale-host reaper.
type Scanner struct {
	hosts HostStore
	ssh   sshexec.Executor
	bus   *eventbus.Bus

	offlineTimeout time.Duration
	maxConc        int
	sshPort        int
	sshUser        string
	logger         *log.Logger
}

// Config bundles Scanner's construction parameters.
type Config struct {
	Hosts          HostStore
	SSH            sshexec.Executor
	Bus            *eventbus.Bus
	OfflineTimeout time.Duration // default 300s
	MaxConcurrency int
	SSHPort        int
	SSHUser        string
	Logger         *log.Logger
}

// New builds a Scanner from cfg, applying defaults for zero values.
func New(cfg Config) *Scanner {
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = 300 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultConcurrency
	}
	if cfg.SSHPort <= 0 {
		cfg.SSHPort = defaultSSHPort
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = defaultSSHUser
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hoststatus] ", log.LstdFlags)
	}
	return &Scanner{
		hosts:          cfg.Hosts,
		ssh:            cfg.SSH,
		bus:            cfg.Bus,
		offlineTimeout: cfg.OfflineTimeout,
		maxConc:        cfg.MaxConcurrency,
		sshPort:        cfg.SSHPort,
		sshUser:        cfg.SSHUser,
		logger:         cfg.Logger,
	}
}

// Run starts the scanner's probe ticker and the reaper ticker, both
// stopping when ctx is cancelled. Call from the composition root as a
// background goroutine.
func (s *Scanner) Run(ctx context.Context, scanInterval time.Duration) {
	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	reapInterval := scanInterval
	if reapInterval > s.offlineTimeout/2 && s.offlineTimeout > 0 {
		reapInterval = s.offlineTimeout / 2
	}

	scanTicker := time.NewTicker(scanInterval)
	reapTicker := time.NewTicker(reapInterval)
	defer scanTicker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			if err := s.ScanOnce(ctx); err != nil {
				s.logger.Printf("scan: %v", err)
			}
		case <-reapTicker.C:
			if n, err := s.ReapStale(ctx); err != nil {
				s.logger.Printf("reap: %v", err)
			} else if n > 0 {
				s.logger.Printf("reaped %d stale host(s)", n)
			}
		}
	}
}

// ScanOnce probes every host with a known IP, fanned out with a bound of
// maxConc concurrent probes, and applies write-on-change persistence to
// each result.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	hosts, err := s.hosts.Hosts(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, s.maxConc)
	var wg sync.WaitGroup
	for _, h := range hosts {
		if h.IP == "" {
			continue
		}
		h := h
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.probe(ctx, h)
			if err := s.updateHostScanResult(ctx, h, result); err != nil {
				s.logger.Printf("updating %s: %v", h.Hostname, err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// probe reports reachability via the SSH executor's trivial-command
// test and best-effort detects the booted
// OS when reachable. A detection failure is not itself a reachability
// failure: the host stays online with its previously detected OS.
func (s *Scanner) probe(ctx context.Context, h *model.Host) ScanResult {
	target := sshexec.Target{Host: h.IP, Port: s.sshPort, User: s.sshUser}
	if !s.ssh.TestConnection(ctx, target) {
		return ScanResult{IsOnline: false}
	}

	detected := h.DetectedOS
	if out, err := s.ssh.Execute(ctx, target, "cat /etc/os-release 2>/dev/null | grep ^PRETTY_NAME=", 5*time.Second); err == nil && out != nil && out.ExitCode == 0 {
		if name := parseOSRelease(out.Stdout); name != "" {
			detected = name
		}
	}
	return ScanResult{IsOnline: true, DetectedOS: detected}
}

// parseOSRelease extracts the quoted value of a PRETTY_NAME= line.
func parseOSRelease(line string) string {
	line = strings.TrimRight(line, "\r\n")
	const prefix = "PRETTY_NAME="
	idx := strings.Index(line, prefix)
	if idx < 0 {
		return ""
	}
	return strings.Trim(line[idx+len(prefix):], `"`)
}

// updateHostScanResult applies the write-on-change rule: a
// host that wasn't online is brought online; a changed detected OS is
// recorded; lastOnlineAt is bumped only when stale by more than half the
// offline timeout; any other case is a no-op write. host.status.changed
// is broadcast only when status or OS actually changed, never on a bump.
func (s *Scanner) updateHostScanResult(ctx context.Context, h *model.Host, current ScanResult) error {
	if !current.IsOnline {
		return nil
	}

	now := time.Now()
	wasOnline := h.Status == model.HostOnline
	osChanged := current.DetectedOS != "" && current.DetectedOS != h.DetectedOS
	bumpDue := now.Sub(h.LastOnlineAt) > s.offlineTimeout/2

	if wasOnline && !osChanged && !bumpDue {
		return nil
	}

	updated := *h
	statusChanged := !wasOnline
	if statusChanged {
		updated.Status = model.HostOnline
		updated.LastSeen = now
	}
	if osChanged {
		updated.DetectedOS = current.DetectedOS
	}
	if bumpDue {
		updated.LastOnlineAt = now
	}

	if err := s.hosts.SaveHost(ctx, &updated); err != nil {
		return err
	}
	*h = updated

	if statusChanged || osChanged {
		s.bus.Broadcast(eventbus.TopicHostStatusChanged, map[string]any{
			"mac":        updated.MAC,
			"hostname":   updated.Hostname,
			"status":     updated.Status,
			"detectedOs": updated.DetectedOS,
		})
	}
	return nil
}

// ReapStale flips every currently-online host whose max(lastSeen,
// lastOnlineAt) is older than the offline threshold to offline in bulk.
func (s *Scanner) ReapStale(ctx context.Context) (int, error) {
	hosts, err := s.hosts.Hosts(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, h := range hosts {
		if h.Status != model.HostOnline {
			continue
		}
		last := h.LastSeen
		if h.LastOnlineAt.After(last) {
			last = h.LastOnlineAt
		}
		if now.Sub(last) <= s.offlineTimeout {
			continue
		}

		updated := *h
		updated.Status = model.HostOffline
		if err := s.hosts.SaveHost(ctx, &updated); err != nil {
			s.logger.Printf("reaping %s: %v", h.Hostname, err)
			continue
		}
		n++
		s.bus.Broadcast(eventbus.TopicHostStatusChanged, map[string]any{
			"mac":      updated.MAC,
			"hostname": updated.Hostname,
			"status":   updated.Status,
		})
	}
	return n, nil
}
