// Package fixtures loads a local-development seed file of hosts and
// configs directly into the Sync Engine's cache, bypassing the authority
// API. A flat YAML document is decoded with gopkg.in/yaml.v3 into raw
// structs, then converted to typed records with defaults applied.
package fixtures

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

// Seed is the on-disk shape of a fixture file.
type Seed struct {
	Configs []rawConfig `yaml:"configs"`
	Hosts   []rawHost   `yaml:"hosts"`
}

type rawConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	OSEntries     []model.OSEntry   `yaml:"osEntries"`
	Partitions    []model.Partition `yaml:"partitions"`
	Timeout       int               `yaml:"timeout"`
	LinboSettings map[string]string `yaml:"linboSettings"`
}

type rawHost struct {
	MAC        string            `yaml:"mac"`
	Hostname   string            `yaml:"hostname"`
	IP         string            `yaml:"ip"`
	ConfigName string            `yaml:"config"`
	PxeEnabled *bool             `yaml:"pxeEnabled"`
	Metadata   map[string]string `yaml:"metadata"`
}

// ConfigStore is the write surface fixtures need from the Sync Engine.
type ConfigStore interface {
	SaveHost(ctx context.Context, h *model.Host) error
	SaveConfig(ctx context.Context, cfg *model.Config) error
}

// LoadFile parses a YAML seed file at path into a Seed.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading fixture file")
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, ctrlerr.WrapValidation(err, "parsing fixture yaml")
	}
	return &seed, nil
}

// Apply writes every config then every host in seed into store, applying
// the same defaults the Authority API's records would carry (pxeEnabled
// defaults true once a config is set).
func Apply(ctx context.Context, store ConfigStore, seed *Seed) error {
	for i := range seed.Configs {
		rc := seed.Configs[i]
		cfg := &model.Config{
			ID:         rc.ID,
			Name:       rc.Name,
			OSEntries:  rc.OSEntries,
			Partitions: rc.Partitions,
			GrubPolicy: model.GrubPolicy{Timeout: rc.Timeout},
		}
		if len(rc.LinboSettings) > 0 {
			cfg.LinboSettings = model.Settings(rc.LinboSettings)
		}
		if cfg.ID == "" {
			cfg.ID = cfg.Name
		}
		if err := store.SaveConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seeding config %q: %w", cfg.Name, err)
		}
	}

	for i := range seed.Hosts {
		rh := seed.Hosts[i]
		h := &model.Host{
			MAC:        model.NormalizeMAC(rh.MAC),
			Hostname:   rh.Hostname,
			IP:         rh.IP,
			ConfigName: rh.ConfigName,
			Status:     model.HostUnknown,
		}
		if len(rh.Metadata) > 0 {
			h.Metadata = model.Metadata(rh.Metadata)
		}
		switch {
		case rh.PxeEnabled != nil:
			h.PxeEnabled = *rh.PxeEnabled
		case h.ConfigName != "":
			h.PxeEnabled = true
		}
		if !model.ValidHostname(h.Hostname) {
			return ctrlerr.Validation("fixture host %q has an invalid hostname", rh.Hostname)
		}
		if err := store.SaveHost(ctx, h); err != nil {
			return fmt.Errorf("seeding host %q: %w", h.Hostname, err)
		}
	}
	return nil
}
