package grub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

func TestGrubPartitionBoundaries(t *testing.T) {
	tests := []struct {
		device string
		want   string
	}{
		{"/dev/sda1", "(hd0,1)"},
		{"/dev/nvme0n1p2", "(hd0,2)"},
		{"/dev/mmcblk0p1", "(hd0,1)"},
		{"/dev/disk0p2", "(hd0,2)"},
		{"/dev/nvme0n1p15", "(hd0,15)"},
		{"/dev/sdc7", "(hd2,7)"},
		{"/dev/totally-unknown", "(hd0,1)"},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			if got := GrubPartition(tt.device); got != tt.want {
				t.Errorf("GrubPartition(%q) = %q, want %q", tt.device, got, tt.want)
			}
		})
	}
}

func TestIconClass(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Windows 11 Pro", "windows11"},
		{"Windows 7", "windows7"},
		{"Ubuntu 22.04", "ubuntu"},
		{"Linux Mint 21", "mint"},
		{"Fedora Workstation", "fedora"},
		{"Some Custom Linux", "linux"},
		{"FreeDOS", "unknown"},
	}
	for _, tt := range tests {
		if got := IconClass(tt.name); got != tt.want {
			t.Errorf("IconClass(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestAssembleKernelOptionsStripsReservedKeys(t *testing.T) {
	got := AssembleKernelOptions("quiet server=1.2.3.4 splash group=old hostgroup=old", "10.0.0.1", "lab1")
	want := "quiet splash server=10.0.0.1 group=lab1 hostgroup=lab1"
	if got != want {
		t.Errorf("AssembleKernelOptions = %q, want %q", got, want)
	}
}

func testConfig(id string) *model.Config {
	return &model.Config{
		ID:   id,
		Name: id,
		Partitions: []model.Partition{
			{Device: "/dev/sda1", Label: "cache", FSType: "ext4", Position: 1},
			{Device: "/dev/sda2", Position: 2},
		},
		OSEntries: []model.OSEntry{
			{Name: "Windows 11", Root: "/dev/sda2"},
			{Name: "Ubuntu 22.04", Root: "/dev/sda3"},
		},
	}
}

func testHost(mac, hostname, ip, group string) *model.Host {
	return &model.Host{
		MAC:        mac,
		Hostname:   hostname,
		IP:         ip,
		ConfigName: group,
		PxeEnabled: true,
		Status:     model.HostOnline,
	}
}

func TestGenerateConfigGrubOSNumbering(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, "10.0.0.1", 80)
	cfg := testConfig("lab1")

	if err := g.GenerateConfigGrub(cfg); err != nil {
		t.Fatalf("GenerateConfigGrub: %v", err)
	}

	content, err := os.ReadFile(g.configCfgPath("lab1"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, `menuentry "1: Windows 11"`) {
		t.Errorf("expected menu entry 1 for Windows 11, got:\n%s", text)
	}
	if !strings.Contains(text, `menuentry "2: Ubuntu 22.04"`) {
		t.Errorf("expected menu entry 2 for Ubuntu 22.04, got:\n%s", text)
	}
	// second OS entry's Root /dev/sda3 is not in the partition list; the
	// position falls back to 1.
	if !strings.Contains(text, "# partition 1") {
		t.Errorf("expected fallback partition number 1, got:\n%s", text)
	}
}

func TestGenerateHostCfgAndCleanup(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, "10.0.0.1", 80)

	hosts := []*model.Host{
		testHost("aa:aa:aa:aa:aa:aa", "host-a", "10.0.0.11", "lab1"),
		testHost("bb:bb:bb:bb:bb:bb", "host-b", "10.0.0.12", "lab1"),
		testHost("cc:cc:cc:cc:cc:cc", "host-c", "10.0.0.13", "lab2"),
	}

	if err := g.GenerateHostCfg(hosts); err != nil {
		t.Fatalf("GenerateHostCfg: %v", err)
	}

	for _, h := range hosts {
		hostnameLink := filepath.Join(g.hostcfgDir(), h.Hostname+".cfg")
		macLink := filepath.Join(g.hostcfgDir(), "01-"+model.DashedMAC(h.MAC)+".cfg")
		assertSymlinksTo(t, hostnameLink, "../"+h.ConfigName+".cfg")
		assertSymlinksTo(t, macLink, "../"+h.ConfigName+".cfg")
	}

	// Regenerate with host-a removed: its two files must be cleaned up.
	remaining := hosts[1:]
	if err := g.GenerateHostCfg(remaining); err != nil {
		t.Fatalf("GenerateHostCfg (2): %v", err)
	}

	if _, err := os.Lstat(filepath.Join(g.hostcfgDir(), "host-a.cfg")); !os.IsNotExist(err) {
		t.Error("expected host-a.cfg to be removed")
	}
	if _, err := os.Lstat(filepath.Join(g.hostcfgDir(), "01-"+model.DashedMAC("aa:aa:aa:aa:aa:aa")+".cfg")); !os.IsNotExist(err) {
		t.Error("expected host-a's mac hostcfg file to be removed")
	}
	assertSymlinksTo(t, filepath.Join(g.hostcfgDir(), "host-b.cfg"), "../lab1.cfg")
}

func TestGenerateMainGrubMACDispatchCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, "10.0.0.1", 80)

	hosts := []*model.Host{testHost("AA:BB:CC:DD:EE:FF", "host-a", "10.0.0.11", "lab1")}
	if err := g.GenerateMainGrub(hosts, nil); err != nil {
		t.Fatalf("GenerateMainGrub: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(g.grubDir(), "grub.cfg"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "aa:bb:cc:dd:ee:ff") || !strings.Contains(text, "AA:BB:CC:DD:EE:FF") {
		t.Errorf("expected both lowercase and uppercase MAC comparisons, got:\n%s", text)
	}
}

func TestOrphanedHostsExcluded(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, "10.0.0.1", 80)

	orphan := testHost("dd:dd:dd:dd:dd:dd", "host-d", "10.0.0.14", "")
	if err := g.GenerateHostCfg([]*model.Host{orphan}); err != nil {
		t.Fatalf("GenerateHostCfg: %v", err)
	}

	entries, err := os.ReadDir(g.hostcfgDir())
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no hostcfg files for orphaned host, got %v", entries)
	}
}

func assertSymlinksTo(t *testing.T, link, want string) {
	t.Helper()
	got, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink(%s): %v", link, err)
	}
	if got != want {
		t.Errorf("Readlink(%s) = %q, want %q", link, got, want)
	}
}
