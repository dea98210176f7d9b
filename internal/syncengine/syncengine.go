// Package syncengine reconciles local filesystem artefacts with the
// upstream authority API: start.conf files, IP/MAC symlinks, cached host
// and config records, the DHCP export, and (via the GRUB generator)
// boot menus. One cycle runs at a time, triggered by a ticker or an
// explicit call, guarded against re-entry.
package syncengine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/atomicfs"
	"github.com/linuxmuster-net/linbo-ctrl/internal/authority"
	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/grub"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

const (
	keyCursor     = "sync:cursor"
	keyLastSyncAt = "sync:lastSyncAt"
	keyLastError  = "sync:lastError"
	keyIsRunning  = "sync:isRunning"
	keyServerIP   = "sync:serverIp"
	keyDHCPEtag   = "sync:dhcpEtag"

	keyHostMACs     = "sync:hosts"   // set of known MACs
	keyConfigIDs    = "sync:configs" // set of known config ids
	hostKeyPrefix   = "sync:host:"
	configKeyPrefix = "sync:config:"

	lockTTL = 10 * time.Minute
)

// Stats is the per-phase record emitted on sync.completed.
type Stats struct {
	StartConfs int  `json:"startConfs"`
	Configs    int  `json:"configs"`
	Hosts      int  `json:"hosts"`
	DHCP       bool `json:"dhcp"`
	GRUB       bool `json:"grub"`
}

// Engine runs reconciliation cycles against the authority API.
type Engine struct {
	LinboDir string
	ServerIP string

	authority *authority.Client
	store     kv.Store
	grub      *grub.Generator
	bus       *eventbus.Bus
	logger    *log.Logger

	mu sync.Mutex // serializes Run within one process; keyIsRunning guards across processes
}

// New constructs an Engine. serverIP and httpPort feed the GRUB generator.
func New(linboDir, serverIP string, httpPort int, client *authority.Client, store kv.Store, bus *eventbus.Bus) *Engine {
	return &Engine{
		LinboDir:  linboDir,
		ServerIP:  serverIP,
		authority: client,
		store:     store,
		grub:      grub.New(linboDir, serverIP, httpPort),
		bus:       bus,
		logger:    log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

func (e *Engine) startConfPath(name string) string {
	return e.LinboDir + "/start.conf." + name
}

// State returns the current persisted sync state.
func (e *Engine) State(ctx context.Context) (*model.SyncState, error) {
	st := &model.SyncState{}
	if v, ok, err := e.store.Get(ctx, keyCursor); err != nil {
		return nil, err
	} else if ok {
		st.Cursor = v
	}
	if v, ok, err := e.store.Get(ctx, keyLastError); err != nil {
		return nil, err
	} else if ok {
		st.LastError = v
	}
	if v, ok, err := e.store.Get(ctx, keyServerIP); err != nil {
		return nil, err
	} else if ok {
		st.ServerIP = v
	}
	if v, ok, err := e.store.Get(ctx, keyDHCPEtag); err != nil {
		return nil, err
	} else if ok {
		st.DHCPEtag = v
	}
	if v, ok, err := e.store.Get(ctx, keyLastSyncAt); err != nil {
		return nil, err
	} else if ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			st.LastSyncAt = t
		}
	}
	running, _, err := e.store.Get(ctx, keyIsRunning)
	if err != nil {
		return nil, err
	}
	st.IsRunning = running == "true"
	return st, nil
}

// Run executes one sync cycle. Returns a Conflict error if a cycle is
// already in progress.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acquired, err := e.store.SetNX(ctx, keyIsRunning, "true", lockTTL)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "acquiring sync lock")
	}
	if !acquired {
		return nil, ctrlerr.Conflict("sync in progress")
	}
	defer e.release(ctx)

	e.bus.Broadcast(eventbus.TopicSyncStarted, map[string]any{})

	stats, err := e.runCycle(ctx)
	if err != nil {
		e.store.Set(ctx, keyLastError, err.Error())
		e.bus.Broadcast(eventbus.TopicSyncFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	e.store.Del(ctx, keyLastError)
	e.store.Set(ctx, keyLastSyncAt, time.Now().UTC().Format(time.RFC3339))
	e.bus.Broadcast(eventbus.TopicSyncCompleted, stats)
	return stats, nil
}

func (e *Engine) release(ctx context.Context) {
	if err := e.store.Del(ctx, keyIsRunning); err != nil {
		e.logger.Printf("releasing sync lock: %v", err)
	}
}

// runCycle runs one reconciliation cycle, assuming the
// isRunning lock is already held.
func (e *Engine) runCycle(ctx context.Context) (*Stats, error) {
	cursor, _, err := e.store.Get(ctx, keyCursor)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading cursor")
	}
	isFullSnapshot := cursor == ""

	prevServerIP, _, err := e.store.Get(ctx, keyServerIP)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading previous server ip")
	}
	serverIPChanged := prevServerIP != "" && prevServerIP != e.ServerIP

	delta, err := e.authority.GetChanges(ctx, cursor)
	if err != nil {
		return nil, err
	}
	// Upstream does not guarantee canonical MAC casing in the delta's host
	// lists; normalize before any cache lookup or set membership so a
	// mixed-case entry can never miss a cached record.
	for i, mac := range delta.HostsChanged {
		delta.HostsChanged[i] = model.NormalizeMAC(mac)
	}
	for i, mac := range delta.DeletedHosts {
		delta.DeletedHosts[i] = model.NormalizeMAC(mac)
	}
	e.bus.Broadcast(eventbus.TopicSyncProgress, map[string]any{"phase": "fetchDelta"})

	changedConfigIDs := mergeUnique(delta.ConfigsChanged, delta.StartConfsChanged)

	startConfIDs := delta.StartConfsChanged
	if serverIPChanged {
		// A server-IP change forces rewrite of every start.conf, even in
		// incremental mode.
		all, err := e.allCachedConfigIDs(ctx)
		if err != nil {
			return nil, err
		}
		startConfIDs = mergeUnique(startConfIDs, all)
	}

	startConfCount, err := e.writeStartConfs(ctx, startConfIDs)
	if err != nil {
		return nil, err
	}
	e.bus.Broadcast(eventbus.TopicSyncProgress, map[string]any{"phase": "writeStartConfs", "count": startConfCount})

	var configs []*model.Config
	if len(changedConfigIDs) > 0 {
		configs, err = e.fetchConfigs(ctx, changedConfigIDs)
		if err != nil {
			return nil, err
		}
	}

	if err := e.cacheConfigs(ctx, configs); err != nil {
		return nil, err
	}

	var hosts []*model.Host
	if len(delta.HostsChanged) > 0 {
		hosts, err = e.fetchHosts(ctx, delta.HostsChanged)
		if err != nil {
			return nil, err
		}
		if err := e.cacheHostsAndSymlinks(ctx, hosts); err != nil {
			return nil, err
		}
	}
	e.bus.Broadcast(eventbus.TopicSyncProgress, map[string]any{"phase": "cacheHosts", "count": len(hosts)})

	if err := e.applyDeletions(ctx, delta.DeletedStartConfs, delta.DeletedHosts); err != nil {
		return nil, err
	}

	if isFullSnapshot {
		if err := e.reconcile(ctx, delta); err != nil {
			return nil, err
		}
	}

	dhcpFetched := false
	if delta.DHCPChanged {
		fetched, err := e.syncDHCPExport(ctx)
		if err != nil {
			return nil, err
		}
		dhcpFetched = fetched
	}

	changedAny := startConfCount > 0 || len(hosts) > 0 || len(delta.DeletedStartConfs) > 0 || len(delta.DeletedHosts) > 0
	grubRan := false
	if changedAny || isFullSnapshot {
		allHosts, err := e.allCachedHosts(ctx)
		if err != nil {
			return nil, err
		}
		allConfigs, err := e.allCachedConfigs(ctx)
		if err != nil {
			return nil, err
		}

		opts := grub.RegenerateOpts{}
		if !isFullSnapshot {
			opts.ChangedConfigIDs = toSet(changedConfigIDs)
		}
		if err := e.grub.RegenerateAll(allHosts, allConfigs, opts); err != nil {
			e.logger.Printf("grub regeneration: %v", err)
		}
		grubRan = true
	}

	e.store.Set(ctx, keyCursor, delta.NextCursor)
	e.store.Set(ctx, keyServerIP, e.ServerIP)

	return &Stats{
		StartConfs: startConfCount,
		Configs:    len(configs),
		Hosts:      len(hosts),
		DHCP:       dhcpFetched,
		GRUB:       grubRan,
	}, nil
}

func (e *Engine) fetchConfigs(ctx context.Context, ids []string) ([]*model.Config, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := e.authority.BatchGet(ctx, authority.BatchConfigs, ids)
	if err != nil {
		return nil, err
	}
	configs := make([]*model.Config, 0, len(raw))
	for _, r := range raw {
		var cfg model.Config
		if err := decodeJSON(r, &cfg); err != nil {
			return nil, ctrlerr.WrapInternal(err, "decoding config record")
		}
		configs = append(configs, &cfg)
	}
	return configs, nil
}

func (e *Engine) fetchHosts(ctx context.Context, ids []string) ([]*model.Host, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := e.authority.BatchGet(ctx, authority.BatchHosts, ids)
	if err != nil {
		return nil, err
	}
	hosts := make([]*model.Host, 0, len(raw))
	for _, r := range raw {
		var h model.Host
		if err := decodeJSON(r, &h); err != nil {
			return nil, ctrlerr.WrapInternal(err, "decoding host record")
		}
		h.MAC = model.NormalizeMAC(h.MAC)
		hosts = append(hosts, &h)
	}
	return hosts, nil
}

// startConfRecord is one entry of a BatchStartConfs response; the
// content is opaque and passed through unparsed.
type startConfRecord struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// writeStartConfs fetches the raw start.conf body for each id and writes
// it after rewriting the Server = line to the current server IP.
func (e *Engine) writeStartConfs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw, err := e.authority.BatchGet(ctx, authority.BatchStartConfs, ids)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, r := range raw {
		var rec startConfRecord
		if err := decodeJSON(r, &rec); err != nil {
			return count, ctrlerr.WrapInternal(err, "decoding start.conf record")
		}
		content := rewriteServerLine(rec.Content, e.ServerIP)
		if err := atomicfs.WriteWithMD5(e.startConfPath(rec.ID), []byte(content)); err != nil {
			return count, ctrlerr.WrapInternal(err, "writing start.conf")
		}
		count++
	}
	return count, nil
}

const serverLinePrefix = "Server"

// rewriteServerLine replaces a "Server = <x>" line (any surrounding
// whitespace around "=") with the configured server IP, leaving all other
// lines untouched.
func rewriteServerLine(content, serverIP string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		key, _, found := strings.Cut(trimmed, "=")
		if found && strings.EqualFold(strings.TrimSpace(key), serverLinePrefix) {
			lines[i] = fmt.Sprintf("Server = %s", serverIP)
		}
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) cacheConfigs(ctx context.Context, configs []*model.Config) error {
	for _, cfg := range configs {
		b, err := encodeJSON(cfg)
		if err != nil {
			return ctrlerr.WrapInternal(err, "encoding config")
		}
		if err := e.store.Set(ctx, configKeyPrefix+cfg.ID, string(b)); err != nil {
			return ctrlerr.WrapInternal(err, "caching config")
		}
		if err := e.store.SAdd(ctx, keyConfigIDs, cfg.ID); err != nil {
			return ctrlerr.WrapInternal(err, "indexing config")
		}
	}
	return nil
}

// cacheHostsAndSymlinks persists host records and maintains the two
// symlinks (by IP and by MAC) each host requires.
func (e *Engine) cacheHostsAndSymlinks(ctx context.Context, hosts []*model.Host) error {
	for _, h := range hosts {
		b, err := encodeJSON(h)
		if err != nil {
			return ctrlerr.WrapInternal(err, "encoding host")
		}
		if err := e.store.Set(ctx, hostKeyPrefix+h.MAC, string(b)); err != nil {
			return ctrlerr.WrapInternal(err, "caching host")
		}
		if err := e.store.SAdd(ctx, keyHostMACs, h.MAC); err != nil {
			return ctrlerr.WrapInternal(err, "indexing host")
		}

		if h.HostGroup() == "" {
			continue
		}
		target := "start.conf." + h.HostGroup()
		macLink := e.LinboDir + "/start.conf-" + h.MAC
		if err := atomicfs.ForceSymlink(target, macLink); err != nil {
			return ctrlerr.WrapInternal(err, "linking start.conf by mac")
		}
		if h.IP != "" {
			ipLink := e.LinboDir + "/start.conf-" + h.IP
			if err := atomicfs.ForceSymlink(target, ipLink); err != nil {
				return ctrlerr.WrapInternal(err, "linking start.conf by ip")
			}
		}
	}
	return nil
}

// applyDeletions removes the start.conf file, its .md5 sidecar and the
// cached config record for each of deletedStartConfs, and the MAC/IP
// symlinks and the cached record for each of deletedHosts.
func (e *Engine) applyDeletions(ctx context.Context, deletedStartConfs, deletedHosts []string) error {
	for _, id := range deletedStartConfs {
		if err := atomicfs.SafeUnlink(e.startConfPath(id)); err != nil {
			return ctrlerr.WrapInternal(err, "removing start.conf")
		}
		if err := atomicfs.SafeUnlink(e.startConfPath(id) + ".md5"); err != nil {
			return ctrlerr.WrapInternal(err, "removing start.conf md5")
		}
		e.store.Del(ctx, configKeyPrefix+id)
		e.store.SRem(ctx, keyConfigIDs, id)
	}

	for _, mac := range deletedHosts {
		mac = model.NormalizeMAC(mac)
		h, err := e.lookupHost(ctx, mac)
		if err != nil {
			return err
		}
		if h != nil && h.IP != "" {
			if err := atomicfs.SafeUnlink(e.LinboDir + "/start.conf-" + h.IP); err != nil {
				return ctrlerr.WrapInternal(err, "removing ip symlink")
			}
		}
		if err := atomicfs.SafeUnlink(e.LinboDir + "/start.conf-" + mac); err != nil {
			return ctrlerr.WrapInternal(err, "removing mac symlink")
		}
		e.store.Del(ctx, hostKeyPrefix+mac)
		e.store.SRem(ctx, keyHostMACs, mac)
	}
	return nil
}

// reconcile runs only on a full snapshot: any locally cached host or
// config not present in the response is deleted, along with its
// filesystem artefacts.
func (e *Engine) reconcile(ctx context.Context, delta *authority.ChangesResponse) error {
	present := toSet(delta.HostsChanged)
	macs, err := e.store.SMembers(ctx, keyHostMACs)
	if err != nil {
		return ctrlerr.WrapInternal(err, "listing cached hosts")
	}
	var staleMACs []string
	for _, mac := range macs {
		if !present[mac] {
			staleMACs = append(staleMACs, mac)
		}
	}

	presentConfigs := toSet(mergeUnique(delta.ConfigsChanged, delta.StartConfsChanged))
	ids, err := e.store.SMembers(ctx, keyConfigIDs)
	if err != nil {
		return ctrlerr.WrapInternal(err, "listing cached configs")
	}
	var staleConfigs []string
	for _, id := range ids {
		if !presentConfigs[id] {
			staleConfigs = append(staleConfigs, id)
		}
	}

	return e.applyDeletions(ctx, staleConfigs, staleMACs)
}

func (e *Engine) syncDHCPExport(ctx context.Context) (bool, error) {
	etag, _, err := e.store.Get(ctx, keyDHCPEtag)
	if err != nil {
		return false, ctrlerr.WrapInternal(err, "reading dhcp etag")
	}

	export, err := e.authority.GetDHCPExport(ctx, etag)
	if err != nil {
		return false, err
	}
	if export.NotModified {
		return false, nil
	}

	path := e.LinboDir + "/dhcp/dnsmasq-proxy.conf"
	if err := atomicfs.Write(path, export.Content); err != nil {
		return false, ctrlerr.WrapInternal(err, "writing dhcp export")
	}
	if err := e.store.Set(ctx, keyDHCPEtag, export.ETag); err != nil {
		return false, ctrlerr.WrapInternal(err, "persisting dhcp etag")
	}
	return true, nil
}

// Hosts returns every currently cached host, sorted by MAC. It is the read
// path the Operation Engine and Host Status Scanner use to resolve filters
// and scan for liveness.
func (e *Engine) Hosts(ctx context.Context) ([]*model.Host, error) {
	return e.allCachedHosts(ctx)
}

// HostByMAC returns the cached host for mac (normalized before lookup), or
// nil if unknown.
func (e *Engine) HostByMAC(ctx context.Context, mac string) (*model.Host, error) {
	return e.lookupHost(ctx, model.NormalizeMAC(mac))
}

// SaveHost persists an updated host record without touching symlinks,
// used by the Host Status Scanner's write-on-change updates and by
// local-dev fixture seeding. The MAC index is kept up to date so a freshly
// seeded host is visible to Hosts() even though it never went through
// cacheHostsAndSymlinks.
func (e *Engine) SaveHost(ctx context.Context, h *model.Host) error {
	b, err := encodeJSON(h)
	if err != nil {
		return ctrlerr.WrapInternal(err, "encoding host")
	}
	if err := e.store.Set(ctx, hostKeyPrefix+h.MAC, string(b)); err != nil {
		return ctrlerr.WrapInternal(err, "saving host")
	}
	if err := e.store.SAdd(ctx, keyHostMACs, h.MAC); err != nil {
		return ctrlerr.WrapInternal(err, "indexing host")
	}
	return nil
}

// SaveConfig persists a single config record, used by local-dev fixture
// seeding (internal/fixtures) outside the normal delta-fetch path.
func (e *Engine) SaveConfig(ctx context.Context, cfg *model.Config) error {
	return e.cacheConfigs(ctx, []*model.Config{cfg})
}

// Configs returns every currently cached config.
func (e *Engine) Configs(ctx context.Context) ([]*model.Config, error) {
	return e.allCachedConfigs(ctx)
}

func (e *Engine) lookupHost(ctx context.Context, mac string) (*model.Host, error) {
	v, ok, err := e.store.Get(ctx, hostKeyPrefix+mac)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "reading cached host")
	}
	if !ok {
		return nil, nil
	}
	var h model.Host
	if err := decodeJSON([]byte(v), &h); err != nil {
		return nil, ctrlerr.WrapInternal(err, "decoding cached host")
	}
	return &h, nil
}

func (e *Engine) allCachedHosts(ctx context.Context) ([]*model.Host, error) {
	macs, err := e.store.SMembers(ctx, keyHostMACs)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "listing hosts")
	}
	sort.Strings(macs)
	hosts := make([]*model.Host, 0, len(macs))
	for _, mac := range macs {
		h, err := e.lookupHost(ctx, mac)
		if err != nil {
			return nil, err
		}
		if h != nil {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

func (e *Engine) allCachedConfigIDs(ctx context.Context) ([]string, error) {
	ids, err := e.store.SMembers(ctx, keyConfigIDs)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "listing configs")
	}
	return ids, nil
}

func (e *Engine) allCachedConfigs(ctx context.Context) ([]*model.Config, error) {
	ids, err := e.allCachedConfigIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	configs := make([]*model.Config, 0, len(ids))
	for _, id := range ids {
		v, ok, err := e.store.Get(ctx, configKeyPrefix+id)
		if err != nil {
			return nil, ctrlerr.WrapInternal(err, "reading cached config")
		}
		if !ok {
			continue
		}
		var cfg model.Config
		if err := decodeJSON([]byte(v), &cfg); err != nil {
			return nil, ctrlerr.WrapInternal(err, "decoding cached config")
		}
		configs = append(configs, &cfg)
	}
	return configs, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
