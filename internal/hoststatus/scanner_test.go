package hoststatus

import (
	"context"
	"testing"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
	"github.com/linuxmuster-net/linbo-ctrl/internal/sshexec"
)

// fakeHosts is a hand-written HostStore stand-in, mirroring the operation
// package's fakeHosts test helper.
type fakeHosts struct {
	byMAC map[string]*model.Host
	saved []*model.Host
}

func newFakeHosts(hosts ...*model.Host) *fakeHosts {
	f := &fakeHosts{byMAC: make(map[string]*model.Host)}
	for _, h := range hosts {
		f.byMAC[h.MAC] = h
	}
	return f
}

func (f *fakeHosts) Hosts(ctx context.Context) ([]*model.Host, error) {
	var all []*model.Host
	for _, h := range f.byMAC {
		all = append(all, h)
	}
	return all, nil
}

func (f *fakeHosts) SaveHost(ctx context.Context, h *model.Host) error {
	cp := *h
	f.byMAC[h.MAC] = &cp
	f.saved = append(f.saved, &cp)
	return nil
}

func testHost(mac, hostname, ip string, status model.HostStatus) *model.Host {
	return &model.Host{MAC: model.NormalizeMAC(mac), Hostname: hostname, IP: ip, Status: status}
}

func TestUpdateHostScanResult_OfflineToOnline(t *testing.T) {
	h := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOffline)
	hosts := newFakeHosts(h)
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicHostStatusChanged)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: bus})

	if err := s.updateHostScanResult(context.Background(), h, ScanResult{IsOnline: true}); err != nil {
		t.Fatalf("updateHostScanResult: %v", err)
	}
	if h.Status != model.HostOnline {
		t.Fatalf("status = %v, want online", h.Status)
	}
	if h.LastSeen.IsZero() {
		t.Fatal("lastSeen not set")
	}
	select {
	case ev := <-sub.Events():
		if ev.Topic != eventbus.TopicHostStatusChanged {
			t.Fatalf("topic = %q", ev.Topic)
		}
	default:
		t.Fatal("expected host.status.changed broadcast")
	}
}

func TestUpdateHostScanResult_NoChangeNoWrite(t *testing.T) {
	now := time.Now()
	h := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOnline)
	h.LastOnlineAt = now
	h.DetectedOS = "Ubuntu 22.04"
	hosts := newFakeHosts(h)
	bus := eventbus.New()
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: bus, OfflineTimeout: 300 * time.Second})

	if err := s.updateHostScanResult(context.Background(), h, ScanResult{IsOnline: true, DetectedOS: "Ubuntu 22.04"}); err != nil {
		t.Fatalf("updateHostScanResult: %v", err)
	}
	if len(hosts.saved) != 0 {
		t.Fatalf("expected no write, got %d", len(hosts.saved))
	}
}

func TestUpdateHostScanResult_OSChangeWrites(t *testing.T) {
	h := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOnline)
	h.LastOnlineAt = time.Now()
	h.DetectedOS = "Ubuntu 20.04"
	hosts := newFakeHosts(h)
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicHostStatusChanged)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: bus, OfflineTimeout: 300 * time.Second})

	if err := s.updateHostScanResult(context.Background(), h, ScanResult{IsOnline: true, DetectedOS: "Ubuntu 22.04"}); err != nil {
		t.Fatalf("updateHostScanResult: %v", err)
	}
	if h.DetectedOS != "Ubuntu 22.04" {
		t.Fatalf("detectedOS = %q", h.DetectedOS)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected host.status.changed broadcast on OS change")
	}
}

func TestUpdateHostScanResult_BumpOnlyNoBroadcast(t *testing.T) {
	h := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOnline)
	h.LastOnlineAt = time.Now().Add(-200 * time.Second) // > offlineTimeout/2 (150s)
	h.DetectedOS = "Ubuntu 22.04"
	hosts := newFakeHosts(h)
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicHostStatusChanged)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: bus, OfflineTimeout: 300 * time.Second})

	if err := s.updateHostScanResult(context.Background(), h, ScanResult{IsOnline: true, DetectedOS: "Ubuntu 22.04"}); err != nil {
		t.Fatalf("updateHostScanResult: %v", err)
	}
	if len(hosts.saved) != 1 {
		t.Fatalf("expected a bump write, got %d", len(hosts.saved))
	}
	select {
	case <-sub.Events():
		t.Fatal("bump-only write must not broadcast")
	default:
	}
}

func TestUpdateHostScanResult_NotOnlineIsNoop(t *testing.T) {
	h := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOnline)
	hosts := newFakeHosts(h)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: eventbus.New()})

	if err := s.updateHostScanResult(context.Background(), h, ScanResult{IsOnline: false}); err != nil {
		t.Fatalf("updateHostScanResult: %v", err)
	}
	if len(hosts.saved) != 0 {
		t.Fatalf("expected no write for an unreachable host, got %d", len(hosts.saved))
	}
}

func TestReapStale(t *testing.T) {
	stale := testHost("aa:bb:cc:dd:ee:ff", "pc01", "10.0.0.5", model.HostOnline)
	stale.LastSeen = time.Now().Add(-time.Hour)
	fresh := testHost("11:22:33:44:55:66", "pc02", "10.0.0.6", model.HostOnline)
	fresh.LastSeen = time.Now()
	hosts := newFakeHosts(stale, fresh)
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicHostStatusChanged)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: bus, OfflineTimeout: 300 * time.Second})

	n, err := s.ReapStale(context.Background())
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if hosts.byMAC[stale.MAC].Status != model.HostOffline {
		t.Fatal("stale host not flipped offline")
	}
	if hosts.byMAC[fresh.MAC].Status != model.HostOnline {
		t.Fatal("fresh host incorrectly reaped")
	}
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected host.status.changed broadcast on reap")
	}
}

func TestScanOnce_SkipsHostsWithoutIP(t *testing.T) {
	noIP := testHost("aa:bb:cc:dd:ee:ff", "pc01", "", model.HostUnknown)
	hosts := newFakeHosts(noIP)
	s := New(Config{Hosts: hosts, SSH: sshexec.NewMock(), Bus: eventbus.New()})

	if err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if len(hosts.saved) != 0 {
		t.Fatalf("expected no probe for a host without an IP, got %d writes", len(hosts.saved))
	}
}

func TestParseOSRelease(t *testing.T) {
	got := parseOSRelease(`PRETTY_NAME="Ubuntu 22.04.3 LTS"` + "\n")
	want := "Ubuntu 22.04.3 LTS"
	if got != want {
		t.Fatalf("parseOSRelease = %q, want %q", got, want)
	}
}
