// Package config loads the process environment into typed settings with
// defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the static environment-derived configuration read once at
// process startup. Runtime-tunable values (sync interval, admin password,
// ...) live in internal/settings instead.
type Config struct {
	LinboDir     string
	ServerIP     string
	Netmask      string
	Gateway      string
	DNS          string
	Domain       string
	DHCPIface    string
	KernelVarDir string
	ConfigDir    string
	FirmwareBase string

	UpdateLinbofsScript string

	LMNAPIURL string
	LMNAPIKey string

	MaxSSHConcurrency int
	SSHTimeout        time.Duration

	ImageSyncBwlimitMbps int

	DebBaseURL string
	DebDist    string

	SyncEnabled bool
	SyncInterval time.Duration

	HostOfflineTimeout time.Duration

	CSVCol0Source string

	DCProvisioningEnabled bool
	DCProvisioningDryRun  bool

	RedisAddr string
}

// Load reads the configuration from the process environment, applying
// defaults.
func Load() *Config {
	return &Config{
		LinboDir:     getString("LINBO_DIR", "/srv/linbo"),
		ServerIP:     getString("LINBO_SERVER_IP", ""),
		Netmask:      getString("LINBO_NETMASK", "255.255.255.0"),
		Gateway:      getString("LINBO_GATEWAY", ""),
		DNS:          getString("LINBO_DNS", ""),
		Domain:       getString("LINBO_DOMAIN", ""),
		DHCPIface:    getString("DHCP_INTERFACE", "eth0"),
		KernelVarDir: getString("KERNEL_VAR_DIR", "/srv/linbo/boot/grub/kernels"),
		ConfigDir:    getString("CONFIG_DIR", "/srv/linbo/config"),
		FirmwareBase: getString("FIRMWARE_BASE", "/srv/linbo/config"),

		UpdateLinbofsScript: getString("UPDATE_LINBOFS_SCRIPT", "/usr/sbin/update-linbofs"),

		LMNAPIURL: getString("LMN_API_URL", ""),
		LMNAPIKey: getString("LMN_API_KEY", ""),

		MaxSSHConcurrency: getInt("MAX_SSH_CONCURRENCY", 20),
		SSHTimeout:        getSeconds("SSH_TIMEOUT", 15*time.Second),

		ImageSyncBwlimitMbps: getInt("IMAGE_SYNC_BWLIMIT_MBPS", 0),

		DebBaseURL: getString("DEB_BASE_URL", "https://deb.linuxmuster.net"),
		DebDist:    getString("DEB_DIST", "stable"),

		SyncEnabled:  getBool("SYNC_ENABLED", true),
		SyncInterval: getSeconds("SYNC_INTERVAL", 5*time.Minute),

		HostOfflineTimeout: getSeconds("HOST_OFFLINE_TIMEOUT_SEC", 300*time.Second),

		CSVCol0Source: getString("CSV_COL0_SOURCE", "hostname"),

		DCProvisioningEnabled: getBool("DC_PROVISIONING_ENABLED", false),
		DCProvisioningDryRun:  getBool("DC_PROVISIONING_DRYRUN", false),

		RedisAddr: getString("REDIS_ADDR", "127.0.0.1:6379"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
