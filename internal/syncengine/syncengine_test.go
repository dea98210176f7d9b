package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linuxmuster-net/linbo-ctrl/internal/authority"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
)

// fakeAuthority serves a scripted sequence of getChanges responses and
// batch lookups, keyed by record id, reproducing full-snapshot and
// incremental-delete cycles without a real upstream.
type fakeAuthority struct {
	changes     map[string]changesDoc // cursor -> response
	startConfs  map[string]string     // id -> content
	configs     map[string]configDoc
	hosts       map[string]hostDoc
	dhcpContent string
	dhcpETag    string
}

type changesDoc struct {
	StartConfsChanged []string `json:"startConfsChanged"`
	ConfigsChanged    []string `json:"configsChanged"`
	HostsChanged      []string `json:"hostsChanged"`
	DeletedStartConfs []string `json:"deletedStartConfs"`
	DeletedHosts      []string `json:"deletedHosts"`
	DHCPChanged       bool     `json:"dhcpChanged"`
	NextCursor        string   `json:"nextCursor"`
}

type configDoc struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type hostDoc struct {
	MAC        string `json:"mac"`
	Hostname   string `json:"hostname"`
	IP         string `json:"ip"`
	ConfigName string `json:"configName"`
	PxeEnabled bool   `json:"pxeEnabled"`
}

func newFakeServer(t *testing.T, f *fakeAuthority) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/linbo/changes", func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		doc, ok := f.changes[cursor]
		if !ok {
			t.Fatalf("no scripted response for cursor %q", cursor)
		}
		json.NewEncoder(w).Encode(doc)
	})

	mux.HandleFunc("/api/v1/linbo/batch/startConfs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var out []json.RawMessage
		for _, id := range req.IDs {
			b, _ := json.Marshal(struct {
				ID      string `json:"id"`
				Content string `json:"content"`
			}{ID: id, Content: f.startConfs[id]})
			out = append(out, b)
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/api/v1/linbo/batch/configs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var out []json.RawMessage
		for _, id := range req.IDs {
			cfg := f.configs[id]
			b, _ := json.Marshal(cfg)
			out = append(out, b)
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/api/v1/linbo/batch/hosts", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var out []json.RawMessage
		for _, id := range req.IDs {
			h := f.hosts[id]
			b, _ := json.Marshal(h)
			out = append(out, b)
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/api/v1/linbo/dhcp/export", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == f.dhcpETag && f.dhcpETag != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", f.dhcpETag)
		w.Write([]byte(f.dhcpContent))
	})

	return httptest.NewServer(mux)
}

func configDocFor(id, name string) configDoc { return configDoc{ID: id, Name: name} }

// TestFullSyncFromEmptyState reproduces S1: a full snapshot populates
// start.conf files, symlinks, GRUB artefacts, and advances the cursor.
func TestFullSyncFromEmptyState(t *testing.T) {
	dir := t.TempDir()

	f := &fakeAuthority{
		changes: map[string]changesDoc{
			"": {
				StartConfsChanged: []string{"lab1", "lab2"},
				ConfigsChanged:    []string{"lab1", "lab2"},
				HostsChanged:      []string{"aa:aa:aa:aa:aa:aa", "bb:bb:bb:bb:bb:bb", "cc:cc:cc:cc:cc:cc"},
				DHCPChanged:       true,
				NextCursor:        "cursor-1",
			},
		},
		startConfs: map[string]string{
			"lab1": "Server = 0.0.0.0\nOther = x\n",
			"lab2": "Server = 0.0.0.0\n",
		},
		configs: map[string]configDoc{
			"lab1": configDocFor("lab1", "lab1"),
			"lab2": configDocFor("lab2", "lab2"),
		},
		hosts: map[string]hostDoc{
			"aa:aa:aa:aa:aa:aa": {MAC: "aa:aa:aa:aa:aa:aa", Hostname: "host-a", IP: "10.0.0.11", ConfigName: "lab1", PxeEnabled: true},
			"bb:bb:bb:bb:bb:bb": {MAC: "bb:bb:bb:bb:bb:bb", Hostname: "host-b", IP: "10.0.0.12", ConfigName: "lab1", PxeEnabled: true},
			"cc:cc:cc:cc:cc:cc": {MAC: "cc:cc:cc:cc:cc:cc", Hostname: "host-c", IP: "10.0.0.13", ConfigName: "lab2", PxeEnabled: true},
		},
		dhcpContent: "dhcp-range=...",
		dhcpETag:    "etag-1",
	}
	srv := newFakeServer(t, f)
	defer srv.Close()

	client := authority.New(srv.URL, "secret")
	store := kv.NewMock()
	bus := eventbus.New()
	sub := bus.Subscribe()
	defer sub.Close()

	eng := New(dir, "10.0.0.1", 80, client, store, bus)

	stats, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.StartConfs != 2 || stats.Configs != 2 || stats.Hosts != 3 || !stats.DHCP || !stats.GRUB {
		t.Errorf("unexpected stats: %+v", stats)
	}

	for _, name := range []string{"lab1", "lab2"} {
		b, err := os.ReadFile(filepath.Join(dir, "start.conf."+name))
		if err != nil {
			t.Fatalf("reading start.conf.%s: %v", name, err)
		}
		if !strings.Contains(string(b), "Server = 10.0.0.1") {
			t.Errorf("start.conf.%s not rewritten: %s", name, b)
		}
		if _, err := os.ReadFile(filepath.Join(dir, "start.conf."+name+".md5")); err != nil {
			t.Errorf("missing md5 sidecar for %s: %v", name, err)
		}
	}

	wantLinks := []string{
		"start.conf-10.0.0.11", "start.conf-10.0.0.12", "start.conf-10.0.0.13",
		"start.conf-aa:aa:aa:aa:aa:aa", "start.conf-bb:bb:bb:bb:bb:bb", "start.conf-cc:cc:cc:cc:cc:cc",
	}
	for _, link := range wantLinks {
		if _, err := os.Lstat(filepath.Join(dir, link)); err != nil {
			t.Errorf("expected symlink %s: %v", link, err)
		}
	}

	if _, err := os.ReadFile(filepath.Join(dir, "dhcp", "dnsmasq-proxy.conf")); err != nil {
		t.Errorf("missing dhcp export: %v", err)
	}

	mainGrub, err := os.ReadFile(filepath.Join(dir, "boot", "grub", "grub.cfg"))
	if err != nil {
		t.Fatalf("reading main grub: %v", err)
	}
	for _, mac := range []string{"aa:aa:aa:aa:aa:aa", "bb:bb:bb:bb:bb:bb", "cc:cc:cc:cc:cc:cc"} {
		if !strings.Contains(string(mainGrub), mac) {
			t.Errorf("main grub missing dispatch block for %s", mac)
		}
	}

	for _, name := range []string{"lab1", "lab2"} {
		if _, err := os.ReadFile(filepath.Join(dir, "boot", "grub", name+".cfg")); err != nil {
			t.Errorf("missing per-config grub for %s: %v", name, err)
		}
	}

	for _, hostname := range []string{"host-a", "host-b", "host-c"} {
		if _, err := os.Lstat(filepath.Join(dir, "boot", "grub", "hostcfg", hostname+".cfg")); err != nil {
			t.Errorf("missing hostcfg symlink for %s: %v", hostname, err)
		}
	}

	state, err := eng.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Cursor != "cursor-1" {
		t.Errorf("cursor not advanced: %q", state.Cursor)
	}
	if state.IsRunning {
		t.Error("expected isRunning=false after commit")
	}

	// Second trigger with the advanced cursor, empty delta: idempotent.
	f.changes["cursor-1"] = changesDoc{NextCursor: "cursor-1"}
	stats2, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats2.StartConfs != 0 || stats2.Hosts != 0 || stats2.DHCP {
		t.Errorf("expected empty-delta cycle to be a no-op, got %+v", stats2)
	}
}

// TestIncrementalSyncDeletesHost reproduces S2: starting from the S1
// state, a deleted host is removed from the store and its symlinks and
// hostcfg entries are cleaned up.
func TestIncrementalSyncDeletesHost(t *testing.T) {
	dir := t.TempDir()

	f := &fakeAuthority{
		changes: map[string]changesDoc{
			"": {
				StartConfsChanged: []string{"lab1"},
				ConfigsChanged:    []string{"lab1"},
				HostsChanged:      []string{"aa:aa:aa:aa:aa:aa", "bb:bb:bb:bb:bb:bb"},
				NextCursor:        "cursor-1",
			},
		},
		startConfs: map[string]string{"lab1": "Server = 0.0.0.0\n"},
		configs:    map[string]configDoc{"lab1": configDocFor("lab1", "lab1")},
		hosts: map[string]hostDoc{
			"aa:aa:aa:aa:aa:aa": {MAC: "aa:aa:aa:aa:aa:aa", Hostname: "host-a", IP: "10.0.0.11", ConfigName: "lab1", PxeEnabled: true},
			"bb:bb:bb:bb:bb:bb": {MAC: "bb:bb:bb:bb:bb:bb", Hostname: "host-b", IP: "10.0.0.12", ConfigName: "lab1", PxeEnabled: true},
		},
	}
	srv := newFakeServer(t, f)
	defer srv.Close()

	client := authority.New(srv.URL, "secret")
	store := kv.NewMock()
	bus := eventbus.New()

	eng := New(dir, "10.0.0.1", 80, client, store, bus)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("initial Run: %v", err)
	}

	f.changes["cursor-1"] = changesDoc{
		DeletedHosts: []string{"aa:aa:aa:aa:aa:aa"},
		NextCursor:   "cursor-2",
	}

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("incremental Run: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(dir, "start.conf-10.0.0.11")); !os.IsNotExist(err) {
		t.Error("expected ip symlink for removed host to be gone")
	}
	if _, err := os.Lstat(filepath.Join(dir, "start.conf-aa:aa:aa:aa:aa:aa")); !os.IsNotExist(err) {
		t.Error("expected mac symlink for removed host to be gone")
	}
	if _, err := os.Lstat(filepath.Join(dir, "boot", "grub", "hostcfg", "host-a.cfg")); !os.IsNotExist(err) {
		t.Error("expected hostcfg entry for removed host to be gone")
	}

	mainGrub, err := os.ReadFile(filepath.Join(dir, "boot", "grub", "grub.cfg"))
	if err != nil {
		t.Fatalf("reading main grub: %v", err)
	}
	if strings.Contains(string(mainGrub), "aa:aa:aa:aa:aa:aa") {
		t.Error("main grub still dispatches removed host")
	}
	if !strings.Contains(string(mainGrub), "bb:bb:bb:bb:bb:bb") {
		t.Error("main grub missing remaining host")
	}
}

// TestReconcileKeepsHostWithMixedCaseDeltaMAC runs a second full snapshot
// whose hostsChanged list carries the MAC in uppercase: the cached record
// is keyed by the normalized form, and reconciliation must not mistake
// the host for absent and delete it.
func TestReconcileKeepsHostWithMixedCaseDeltaMAC(t *testing.T) {
	dir := t.TempDir()

	f := &fakeAuthority{
		changes: map[string]changesDoc{
			"": {
				StartConfsChanged: []string{"lab1"},
				ConfigsChanged:    []string{"lab1"},
				HostsChanged:      []string{"aa:aa:aa:aa:aa:aa"},
				NextCursor:        "cursor-1",
			},
		},
		startConfs: map[string]string{"lab1": "Server = 0.0.0.0\n"},
		configs:    map[string]configDoc{"lab1": configDocFor("lab1", "lab1")},
		hosts: map[string]hostDoc{
			"aa:aa:aa:aa:aa:aa": {MAC: "AA:AA:AA:AA:AA:AA", Hostname: "host-a", IP: "10.0.0.11", ConfigName: "lab1", PxeEnabled: true},
		},
	}
	srv := newFakeServer(t, f)
	defer srv.Close()

	client := authority.New(srv.URL, "secret")
	store := kv.NewMock()
	bus := eventbus.New()

	eng := New(dir, "10.0.0.1", 80, client, store, bus)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("initial Run: %v", err)
	}

	// Force another full snapshot, this time listing the MAC uppercase.
	store.Del(context.Background(), keyCursor)
	f.changes[""] = changesDoc{
		StartConfsChanged: []string{"lab1"},
		ConfigsChanged:    []string{"lab1"},
		HostsChanged:      []string{"AA:AA:AA:AA:AA:AA"},
		NextCursor:        "cursor-2",
	}

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	h, err := eng.HostByMAC(context.Background(), "aa:aa:aa:aa:aa:aa")
	if err != nil {
		t.Fatalf("HostByMAC: %v", err)
	}
	if h == nil {
		t.Fatal("reconciliation deleted a host that was present in the snapshot")
	}
	if _, err := os.Lstat(filepath.Join(dir, "start.conf-aa:aa:aa:aa:aa:aa")); err != nil {
		t.Errorf("mac symlink missing after mixed-case snapshot: %v", err)
	}
}

// TestSyncRejectsConcurrentRun exercises the isRunning mutual-exclusion
// guard: a second trigger while a cycle is in flight fails fast.
func TestSyncRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	store := kv.NewMock()
	bus := eventbus.New()

	client := authority.New("http://127.0.0.1:1", "secret")
	eng := New(dir, "10.0.0.1", 80, client, store, bus)

	if _, err := store.SetNX(context.Background(), keyIsRunning, "true", lockTTL); err != nil {
		t.Fatalf("SetNX: %v", err)
	}

	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("expected conflict error while a cycle is already running")
	}
}
