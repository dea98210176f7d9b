package grub

import "strings"

// IconClass derives a GRUB menu icon class from substrings in an OS entry's
// display name.
func IconClass(osName string) string {
	lower := strings.ToLower(osName)

	switch {
	case strings.Contains(lower, "windows 11"):
		return "windows11"
	case strings.Contains(lower, "windows 10"):
		return "windows10"
	case strings.Contains(lower, "windows 8"):
		return "windows8"
	case strings.Contains(lower, "windows 7"):
		return "windows7"
	case strings.Contains(lower, "ubuntu"):
		return "ubuntu"
	case strings.Contains(lower, "debian"):
		return "debian"
	case strings.Contains(lower, "mint"):
		return "mint"
	case strings.Contains(lower, "fedora"):
		return "fedora"
	case strings.Contains(lower, "opensuse"):
		return "opensuse"
	case strings.Contains(lower, "arch"):
		return "arch"
	case strings.Contains(lower, "manjaro"):
		return "manjaro"
	case strings.Contains(lower, "centos"):
		return "centos"
	case strings.Contains(lower, "rhel"):
		return "rhel"
	case strings.Contains(lower, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}
