// Package grub renders the layered tree of GRUB menu files that drive PXE
// boot dispatch: the main menu, one per-config menu, and per-host symlinks.
package grub

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/linuxmuster-net/linbo-ctrl/internal/atomicfs"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

// Generator renders GRUB artefacts under a LINBO directory tree.
type Generator struct {
	LinboDir string
	ServerIP string
	HTTPPort int
	logger   *log.Logger
}

// New creates a Generator. linboDir is <LINBO_DIR>; serverIP/httpPort feed
// the PXE kernel command line and tftp/http boot path.
func New(linboDir, serverIP string, httpPort int) *Generator {
	return &Generator{
		LinboDir: linboDir,
		ServerIP: serverIP,
		HTTPPort: httpPort,
		logger:   log.New(os.Stderr, "[grub] ", log.LstdFlags),
	}
}

func (g *Generator) bootDir() string       { return filepath.Join(g.LinboDir, "boot") }
func (g *Generator) grubDir() string       { return filepath.Join(g.bootDir(), "grub") }
func (g *Generator) hostcfgDir() string    { return filepath.Join(g.grubDir(), "hostcfg") }
func (g *Generator) configCfgPath(id string) string {
	return filepath.Join(g.grubDir(), id+".cfg")
}

// pxeEligible reports whether a host participates in PXE dispatch: PXE
// enabled, and assigned to a hostgroup (orphaned hosts are excluded from
// all generation).
func pxeEligible(h *model.Host) bool {
	return h.PxeEnabled && h.HostGroup() != ""
}

// GenerateMainGrub writes <boot>/grub/grub.cfg: a MAC-dispatch block per
// eligible host, then a fallback selecting the first config, if any.
func (g *Generator) GenerateMainGrub(hosts []*model.Host, configs []*model.Config) error {
	var b strings.Builder

	b.WriteString("# linbo-ctrl generated main GRUB menu\n")
	b.WriteString("insmod http\n\n")

	eligible := make([]*model.Host, 0, len(hosts))
	for _, h := range hosts {
		if pxeEligible(h) {
			eligible = append(eligible, h)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].MAC < eligible[j].MAC })

	for _, h := range eligible {
		macLower := strings.ToLower(model.NormalizeMAC(h.MAC))
		macUpper := strings.ToUpper(macLower)
		group := h.HostGroup()

		fmt.Fprintf(&b, "if [ \"$net_default_mac\" = \"%s\" -o \"$net_default_mac\" = \"%s\" ]; then\n", macLower, macUpper)
		fmt.Fprintf(&b, "  linux16 (http,%s:%d)/linbo64 server=%s group=%s hostgroup=%s\n", g.ServerIP, g.HTTPPort, g.ServerIP, group, group)
		fmt.Fprintf(&b, "  initrd16 (http,%s:%d)/linbofs64\n", g.ServerIP, g.HTTPPort)
		b.WriteString("  boot\n")
		b.WriteString("fi\n\n")
	}

	if len(configs) > 0 {
		fmt.Fprintf(&b, "set default=%q\n", configs[0].Name)
	}

	path := filepath.Join(g.grubDir(), "grub.cfg")
	return atomicfs.Write(path, []byte(b.String()))
}

// GenerateConfigGrub writes <boot>/grub/<configId>.cfg: cache coordinates,
// assembled kernel options, then one menu block per OS entry in order.
func (g *Generator) GenerateConfigGrub(cfg *model.Config) error {
	var b strings.Builder

	cache := cachePartitionCoord(cfg)

	fmt.Fprintf(&b, "# config: %s\n", cfg.Name)
	if cache != "" {
		fmt.Fprintf(&b, "set cache_partition=%s\n", cache)
	}
	fmt.Fprintf(&b, "set timeout=%d\n\n", cfg.GrubPolicy.Timeout)

	userOptions := cfg.LinboSettings.GetOr("options", "")
	kernelOpts := AssembleKernelOptions(userOptions, g.ServerIP, cfg.Name)

	for i, entry := range cfg.OSEntries {
		osNumber := i + 1
		partNumber := cfg.PartitionByDevice(entry.Root)
		if partNumber == 0 {
			partNumber = 1
		}
		coord := GrubPartition(entry.Root)
		icon := IconClass(entry.Name)

		fmt.Fprintf(&b, "menuentry \"%d: %s\" --class %s {\n", osNumber, entry.Name, icon)
		fmt.Fprintf(&b, "  set root=%s\n", coord)
		fmt.Fprintf(&b, "  # partition %d\n", partNumber)
		if entry.Kernel != "" {
			fmt.Fprintf(&b, "  linux %s %s %s\n", entry.Kernel, entry.Append, kernelOpts)
		}
		if entry.Initrd != "" {
			fmt.Fprintf(&b, "  initrd %s\n", entry.Initrd)
		}
		if entry.Hidden {
			b.WriteString("  # hidden\n")
		}
		b.WriteString("}\n\n")
	}

	return atomicfs.Write(g.configCfgPath(cfg.ID), []byte(b.String()))
}

// GenerateHostCfg writes, for every eligible host, two symlinks under
// <boot>/grub/hostcfg/ pointing at ../<hostgroup>.cfg, then removes any
// hostcfg file not in the expected set.
func (g *Generator) GenerateHostCfg(hosts []*model.Host) error {
	expected := make(map[string]bool)

	for _, h := range hosts {
		if !pxeEligible(h) {
			continue
		}
		group := h.HostGroup()
		target := "../" + group + ".cfg"

		hostnameLink := filepath.Join(g.hostcfgDir(), h.Hostname+".cfg")
		macLink := filepath.Join(g.hostcfgDir(), "01-"+model.DashedMAC(h.MAC)+".cfg")

		if err := atomicfs.ForceSymlink(target, hostnameLink); err != nil {
			g.logger.Printf("hostcfg symlink for %s: %v", h.Hostname, err)
			continue
		}
		if err := atomicfs.ForceSymlink(target, macLink); err != nil {
			g.logger.Printf("hostcfg mac symlink for %s: %v", h.Hostname, err)
			continue
		}

		expected[filepath.Base(hostnameLink)] = true
		expected[filepath.Base(macLink)] = true
	}

	return g.cleanupHostcfg(expected)
}

func (g *Generator) cleanupHostcfg(expected map[string]bool) error {
	entries, err := os.ReadDir(g.hostcfgDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading hostcfg dir: %w", err)
	}

	for _, entry := range entries {
		if expected[entry.Name()] {
			continue
		}
		path := filepath.Join(g.hostcfgDir(), entry.Name())
		if err := atomicfs.SafeUnlink(path); err != nil {
			g.logger.Printf("removing stale hostcfg file %s: %v", path, err)
		}
	}
	return nil
}

// RegenerateOpts restricts GenerateConfigGrub to a subset of configs in
// incremental mode; nil/empty means "all configs".
type RegenerateOpts struct {
	ChangedConfigIDs map[string]bool
}

// RegenerateAll runs GenerateMainGrub, GenerateConfigGrub (restricted to
// opts.ChangedConfigIDs if non-empty), GenerateHostCfg, and cleanup.
// Failure of a single file does not abort the others.
func (g *Generator) RegenerateAll(hosts []*model.Host, configs []*model.Config, opts RegenerateOpts) error {
	if err := g.GenerateMainGrub(hosts, configs); err != nil {
		g.logger.Printf("generating main grub: %v", err)
	}

	for _, cfg := range configs {
		if len(opts.ChangedConfigIDs) > 0 && !opts.ChangedConfigIDs[cfg.ID] {
			continue
		}
		if err := g.GenerateConfigGrub(cfg); err != nil {
			g.logger.Printf("generating config grub for %s: %v", cfg.Name, err)
		}
	}

	if err := g.GenerateHostCfg(hosts); err != nil {
		g.logger.Printf("generating hostcfg: %v", err)
	}

	return nil
}
