package sshexec

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool caches SSH connections per Target. LINBO thin clients reboot as
// part of normal fleet operation (sync, format, start all end in a
// reboot), so any cached connection can go stale at any moment: callers
// evict with Invalidate after a transport failure, and an idle sweep
// closes connections no command has used within MaxIdleTime.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	config  *ClientConfig
	maxIdle time.Duration
	stop    chan struct{}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	ClientConfig *ClientConfig
	MaxIdleTime  time.Duration
}

// NewPool creates a Pool and starts its idle sweep.
func NewPool(cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = &PoolConfig{}
	}
	if cfg.ClientConfig == nil {
		cfg.ClientConfig = DefaultConfig()
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}

	p := &Pool{
		clients: make(map[string]*Client),
		config:  cfg.ClientConfig,
		maxIdle: cfg.MaxIdleTime,
		stop:    make(chan struct{}),
	}

	go p.sweepLoop()

	return p
}

// resolve fills a Target's zero fields from the pool's client config, so
// two callers naming the same host with and without an explicit port share
// one connection.
func (p *Pool) resolve(t Target) Target {
	if t.Port <= 0 {
		t.Port = p.config.Port
	}
	if t.User == "" {
		t.User = p.config.User
	}
	return t
}

func (t Target) key() string {
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
}

// Get returns a connected Client for target, dialing a fresh one if none
// is cached or the cached one has gone away. The dial happens outside the
// pool lock: one slow or dead client must not stall a fleet-wide fan-out
// that is connecting to its neighbours.
func (p *Pool) Get(ctx context.Context, target Target) (*Client, error) {
	target = p.resolve(target)
	key := target.key()

	p.mu.Lock()
	client, ok := p.clients[key]
	p.mu.Unlock()

	if ok && client.IsConnected() {
		return client, nil
	}

	cfg := *p.config
	cfg.Port = target.Port
	cfg.User = target.User

	fresh, err := NewClient(target.Host, &cfg)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", target.Host, err)
	}
	if err := fresh.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target.Host, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[key]; ok && cached.IsConnected() {
		// Lost a dial race; keep the established connection.
		fresh.Close()
		return cached, nil
	}
	p.clients[key] = fresh
	return fresh, nil
}

// Invalidate drops target's cached connection. Called after a transport
// failure so the next command re-dials instead of reusing a connection to
// a client that has rebooted underneath it.
func (p *Pool) Invalidate(target Target) {
	target = p.resolve(target)

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[target.key()]; ok {
		client.Close()
		delete(p.clients, target.key())
	}
}

// Close closes every cached connection and stops the idle sweep.
func (p *Pool) Close() error {
	close(p.stop)

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, client := range p.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, key)
	}

	return firstErr
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, client := range p.clients {
		client.mu.Lock()
		idle := now.Sub(client.lastUsed) > p.maxIdle
		client.mu.Unlock()

		if idle {
			client.Close()
			delete(p.clients, key)
		}
	}
}
