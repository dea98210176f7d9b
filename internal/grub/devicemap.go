package grub

import (
	"regexp"
	"strconv"
)

var (
	sdPattern   = regexp.MustCompile(`^/dev/sd([a-z])(\d+)$`)
	nvmePattern = regexp.MustCompile(`^/dev/nvme(\d+)n\d+p(\d+)$`)
	mmcPattern  = regexp.MustCompile(`^/dev/mmcblk(\d+)p(\d+)$`)
	diskPattern = regexp.MustCompile(`^/dev/disk(\d+)p(\d+)$`)
)

// GrubPartition translates a Linux-style partition device string into its
// GRUB (hdN,M) coordinate. Unrecognised strings map to (hd0,1).
func GrubPartition(device string) string {
	if m := sdPattern.FindStringSubmatch(device); m != nil {
		disk := int(m[1][0] - 'a')
		return coord(disk, m[2])
	}
	if m := nvmePattern.FindStringSubmatch(device); m != nil {
		disk, _ := strconv.Atoi(m[1])
		return coord(disk, m[2])
	}
	if m := mmcPattern.FindStringSubmatch(device); m != nil {
		disk, _ := strconv.Atoi(m[1])
		return coord(disk, m[2])
	}
	if m := diskPattern.FindStringSubmatch(device); m != nil {
		disk, _ := strconv.Atoi(m[1])
		return coord(disk, m[2])
	}
	return "(hd0,1)"
}

func coord(disk int, partStr string) string {
	return "(hd" + strconv.Itoa(disk) + "," + partStr + ")"
}
