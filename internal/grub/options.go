package grub

import (
	"fmt"
	"strings"

	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

var reservedKernelKeys = map[string]bool{
	"server":    true,
	"group":     true,
	"hostgroup": true,
}

// AssembleKernelOptions strips any user-supplied server=/group=/hostgroup=
// tokens from userOptions and re-appends the canonical triple.
func AssembleKernelOptions(userOptions, serverIP, hostgroup string) string {
	var kept []string
	for _, tok := range strings.Fields(userOptions) {
		key, _, found := strings.Cut(tok, "=")
		if found && reservedKernelKeys[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, tok)
	}
	kept = append(kept,
		fmt.Sprintf("server=%s", serverIP),
		fmt.Sprintf("group=%s", hostgroup),
		fmt.Sprintf("hostgroup=%s", hostgroup),
	)
	return strings.Join(kept, " ")
}

// cachePartitionCoord finds the GRUB coordinate of a config's cache
// partition. A partition labelled exactly "cache" (case-insensitive) wins
// over the fstype heuristic (ext4/btrfs, non-EFI position).
func cachePartitionCoord(cfg *model.Config) string {
	for _, p := range cfg.Partitions {
		if strings.EqualFold(p.Label, "cache") {
			return GrubPartition(p.Device)
		}
	}
	for _, p := range cfg.Partitions {
		fs := strings.ToLower(p.FSType)
		if (fs == "ext4" || fs == "btrfs") && !isEFIPartition(p) {
			return GrubPartition(p.Device)
		}
	}
	return ""
}

func isEFIPartition(p model.Partition) bool {
	return strings.EqualFold(p.FSType, "vfat") || strings.EqualFold(p.Label, "efi") || strings.EqualFold(p.Label, "esp")
}
