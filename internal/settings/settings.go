// Package settings is the runtime-tunable configuration store: authority
// URL/key, server IP, admin password, and the auto-sync interval. Reads
// consult a short in-memory cache, then the key/value store, then the
// process environment, then a built-in default.
package settings

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/eventbus"
	"github.com/linuxmuster-net/linbo-ctrl/internal/kv"
)

// Well-known setting keys.
const (
	KeyAuthorityURL  = "authority_url"
	KeyAuthorityKey  = "authority_key"
	KeyServerIP      = "server_ip"
	KeyAdminPassword = "admin_password"
	KeySyncInterval  = "sync_interval_seconds"
)

const cacheTTL = 2 * time.Second

// Defaults carries the environment-derived fallback values consulted when
// a setting has never been written to the store.
type Defaults struct {
	AuthorityURL string
	AuthorityKey string
	ServerIP     string
	SyncInterval time.Duration
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Store is the settings reader/writer. Not to be confused with kv.Store,
// which it wraps.
type Store struct {
	kv       kv.Store
	defaults Defaults
	bus      *eventbus.Bus

	mu    sync.Mutex
	cache map[string]cacheEntry

	onIntervalChange func(time.Duration)
}

// New creates a Store.
func New(store kv.Store, defaults Defaults, bus *eventbus.Bus) *Store {
	return &Store{
		kv:       store,
		defaults: defaults,
		bus:      bus,
		cache:    make(map[string]cacheEntry),
	}
}

// OnIntervalChange registers a callback invoked whenever SetSyncInterval
// commits a new value, used by the composition root to restart the sync
// timer without this package depending on the sync engine.
func (s *Store) OnIntervalChange(fn func(time.Duration)) {
	s.onIntervalChange = fn
}

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && time.Now().Before(e.expiresAt) {
		s.mu.Unlock()
		return e.value, true
	}
	s.mu.Unlock()

	v, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", false
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{value: v, expiresAt: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return v, true
}

func (s *Store) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// AuthorityURL returns the configured authority base URL, falling back to
// the environment default.
func (s *Store) AuthorityURL(ctx context.Context) string {
	if v, ok := s.get(ctx, KeyAuthorityURL); ok {
		return v
	}
	return s.defaults.AuthorityURL
}

// AuthorityKey returns the configured bearer key, falling back to the
// environment default. Never masked internally; masking is applied only
// at the GetAll/export boundary.
func (s *Store) AuthorityKey(ctx context.Context) string {
	if v, ok := s.get(ctx, KeyAuthorityKey); ok {
		return v
	}
	return s.defaults.AuthorityKey
}

// ServerIP returns the configured server IP, falling back to the
// environment default.
func (s *Store) ServerIP(ctx context.Context) string {
	if v, ok := s.get(ctx, KeyServerIP); ok {
		return v
	}
	return s.defaults.ServerIP
}

// SyncInterval returns the configured auto-sync interval, falling back to
// the environment default.
func (s *Store) SyncInterval(ctx context.Context) time.Duration {
	v, ok := s.get(ctx, KeySyncInterval)
	if !ok {
		return s.defaults.SyncInterval
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return s.defaults.SyncInterval
	}
	return time.Duration(n) * time.Second
}

// SetAuthorityURL validates and persists the authority base URL.
func (s *Store) SetAuthorityURL(ctx context.Context, rawURL string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return ctrlerr.Validation("invalid authority url: %v", err)
	}
	return s.set(ctx, KeyAuthorityURL, rawURL)
}

// SetAuthorityKey persists the bearer key without validation (opaque
// secret).
func (s *Store) SetAuthorityKey(ctx context.Context, key string) error {
	return s.set(ctx, KeyAuthorityKey, key)
}

// SetServerIP validates (IPv4 dotted-quad, octets <= 255) and persists the
// server IP.
func (s *Store) SetServerIP(ctx context.Context, ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return ctrlerr.Validation("invalid server ip %q: must be IPv4 dotted-quad", ip)
	}
	return s.set(ctx, KeyServerIP, ip)
}

// SetSyncInterval validates (non-negative integer seconds) and persists
// the auto-sync interval, invoking the registered OnIntervalChange
// callback on success.
func (s *Store) SetSyncInterval(ctx context.Context, seconds int) error {
	if seconds < 0 {
		return ctrlerr.Validation("sync interval must be non-negative, got %d", seconds)
	}
	if err := s.set(ctx, KeySyncInterval, strconv.Itoa(seconds)); err != nil {
		return err
	}
	if s.onIntervalChange != nil {
		s.onIntervalChange(time.Duration(seconds) * time.Second)
	}
	return nil
}

// SetAdminPassword validates (>= 4 chars), hashes with bcrypt, and
// persists the admin password. A read of admin_password is always
// refused; use CheckAdminPassword instead.
func (s *Store) SetAdminPassword(ctx context.Context, password string) error {
	if len(password) < 4 {
		return ctrlerr.Validation("password must be at least 4 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return ctrlerr.WrapInternal(err, "hashing password")
	}
	return s.set(ctx, KeyAdminPassword, string(hash))
}

// CheckAdminPassword compares a candidate password against the stored
// bcrypt hash. Returns false (no error) if no password has been set.
func (s *Store) CheckAdminPassword(ctx context.Context, candidate string) (bool, error) {
	v, ok, err := s.kv.Get(ctx, KeyAdminPassword)
	if err != nil {
		return false, ctrlerr.WrapInternal(err, "reading admin password hash")
	}
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(v), []byte(candidate)) == nil, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if err := s.kv.Set(ctx, key, value); err != nil {
		return ctrlerr.WrapInternal(err, "persisting setting %s", key)
	}
	s.invalidate(key)
	s.bus.Broadcast(eventbus.TopicSettingsChanged, map[string]any{"key": key})
	return nil
}

const apiKeyMaskVisibleTail = 4

// maskAPIKey returns the last apiKeyMaskVisibleTail characters of key,
// prefixed with asterisks; an empty key stays empty, and a key of
// apiKeyMaskVisibleTail characters or fewer becomes just "****".
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= apiKeyMaskVisibleTail {
		return "****"
	}
	return "****" + key[len(key)-apiKeyMaskVisibleTail:]
}

// All is a snapshot of every well-known setting, safe to return over the
// API: admin_password is omitted entirely and the authority key is
// masked.
type All struct {
	AuthorityURL       string `json:"authorityUrl"`
	AuthorityKeyMasked string `json:"authorityKeyMasked"`
	ServerIP           string `json:"serverIp"`
	SyncIntervalSec    int    `json:"syncIntervalSeconds"`
}

// GetAll returns every well-known setting for the read-only settings
// surface, masking the API key and omitting the admin password.
func (s *Store) GetAll(ctx context.Context) All {
	return All{
		AuthorityURL:       s.AuthorityURL(ctx),
		AuthorityKeyMasked: maskAPIKey(s.AuthorityKey(ctx)),
		ServerIP:           s.ServerIP(ctx),
		SyncIntervalSec:    int(s.SyncInterval(ctx) / time.Second),
	}
}
