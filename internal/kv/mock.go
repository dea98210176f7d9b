package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Mock is an in-memory Store used by engine tests in place of Redis.
// It does not expire keys on a timer; TTLs are recorded
// but only enforced lazily, which is sufficient for the deterministic tests
// that exercise it.
type Mock struct {
	mu       sync.Mutex
	strings  map[string]string
	expiry   map[string]time.Time
	hashes   map[string]map[string]string
	lists    map[string][]string
	sets     map[string]map[string]bool
	zsets    map[string]map[string]float64
	streams  map[string][]StreamMessage
	groups   map[string]map[string]bool // stream -> group -> exists
	acked    map[string]map[string]bool // stream/group -> id -> acked
	subs     map[string][]chan string
	seq      int
}

// NewMock creates an empty in-memory Store.
func NewMock() *Mock {
	return &Mock{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]bool),
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string][]StreamMessage),
		groups:  make(map[string]map[string]bool),
		acked:   make(map[string]map[string]bool),
		subs:    make(map[string][]chan string),
	}
}

func (m *Mock) expired(key string) bool {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.strings, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *Mock) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *Mock) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	delete(m.expiry, key)
	return nil
}

func (m *Mock) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (m *Mock) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Mock) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.expiry, k)
		delete(m.hashes, k)
		delete(m.lists, k)
		delete(m.sets, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Mock) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *Mock) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[key]
	if !ok {
		return -1, nil
	}
	return time.Until(exp), nil
}

func (m *Mock) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Mock) HSet(ctx context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (m *Mock) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *Mock) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *Mock) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Mock) LPop(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	m.lists[key] = l[1:]
	return v, true, nil
}

func (m *Mock) RPop(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[len(l)-1]
	m.lists[key] = l[:len(l)-1]
	return v, true, nil
}

func (m *Mock) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *Mock) LRem(ctx context.Context, key string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	out := l[:0]
	for _, v := range l {
		if v == value {
			continue
		}
		out = append(out, v)
	}
	m.lists[key] = out
	return nil
}

func (m *Mock) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Mock) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]bool)
		m.sets[key] = s
	}
	for _, v := range members {
		s[v] = true
	}
	return nil
}

func (m *Mock) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, v := range members {
		delete(s, v)
	}
	return nil
}

func (m *Mock) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mock) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[key][member], nil
}

func (m *Mock) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Mock) zsorted(key string) []string {
	z := m.zsets[key]
	members := make([]string, 0, len(z))
	for k := range z {
		members = append(members, k)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	return members
}

func (m *Mock) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.zsorted(key)
	n := int64(len(members))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (m *Mock) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	var out []string
	for _, member := range m.zsorted(key) {
		score := z[member]
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	return out, nil
}

func (m *Mock) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, v := range members {
		delete(z, v)
	}
	return nil
}

func (m *Mock) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default: // drop on slow consumer, matching the Event Bus contract
		}
	}
	return nil
}

type mockSubscription struct {
	ch   chan string
	done func()
}

func (s *mockSubscription) Channel() <-chan string { return s.ch }
func (s *mockSubscription) Close() error           { s.done(); return nil }

func (m *Mock) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 64)
	m.subs[channel] = append(m.subs[channel], ch)
	return &mockSubscription{
		ch: ch,
		done: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[channel]
			for i, c := range subs {
				if c == ch {
					m.subs[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		},
	}, nil
}

func (m *Mock) XAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := time.Now().Format("20060102150405") + "-" + strconv.Itoa(m.seq)
	m.streams[stream] = append(m.streams[stream], StreamMessage{ID: id, Values: values})
	return id, nil
}

func (m *Mock) XGroupCreate(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[stream]
	if !ok {
		g = make(map[string]bool)
		m.groups[stream] = g
	}
	g[group] = true
	return nil
}

func (m *Mock) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stream + "/" + group
	acked := m.acked[key]
	var out []StreamMessage
	for _, msg := range m.streams[stream] {
		if acked != nil && acked[msg.ID] {
			continue
		}
		out = append(out, msg)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Mock) XAck(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stream + "/" + group
	acked, ok := m.acked[key]
	if !ok {
		acked = make(map[string]bool)
		m.acked[key] = acked
	}
	for _, id := range ids {
		acked[id] = true
	}
	return nil
}

func (m *Mock) Close() error { return nil }
