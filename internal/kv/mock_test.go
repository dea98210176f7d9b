package kv

import (
	"context"
	"testing"
	"time"
)

func TestMockSetNXLock(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "imgsync:lock", "job1", time.Hour)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !ok {
		t.Fatal("expected first SetNX to acquire the lock")
	}

	ok, err = m.SetNX(ctx, "imgsync:lock", "job2", time.Hour)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if ok {
		t.Fatal("expected second SetNX to fail while lock is held")
	}

	if err := m.Del(ctx, "imgsync:lock"); err != nil {
		t.Fatalf("Del: %v", err)
	}

	ok, err = m.SetNX(ctx, "imgsync:lock", "job2", time.Hour)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !ok {
		t.Fatal("expected SetNX to acquire the lock after release")
	}
}

func TestMockZSetOrdering(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	m.ZAdd(ctx, "hosts:lastSeen", "b", 20)
	m.ZAdd(ctx, "hosts:lastSeen", "a", 10)
	m.ZAdd(ctx, "hosts:lastSeen", "c", 30)

	got, err := m.ZRange(ctx, "hosts:lastSeen", 0, -1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ZRange = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ZRange[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMockPubSub(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "operation.progress")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := m.Publish(ctx, "operation.progress", `{"id":"op1"}`); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg != `{"id":"op1"}` {
			t.Errorf("msg = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMockStreamGroupAck(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	if err := m.XGroupCreate(ctx, "linbo:jobs", "dc-workers"); err != nil {
		t.Fatalf("XGroupCreate: %v", err)
	}
	id, err := m.XAdd(ctx, "linbo:jobs", map[string]string{"action": "create"})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msgs, err := m.XReadGroup(ctx, "linbo:jobs", "dc-workers", "w1", 10, 0)
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("XReadGroup = %v, want one message with id %s", msgs, id)
	}

	if err := m.XAck(ctx, "linbo:jobs", "dc-workers", id); err != nil {
		t.Fatalf("XAck: %v", err)
	}

	msgs, err = m.XReadGroup(ctx, "linbo:jobs", "dc-workers", "w1", 10, 0)
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no unacked messages, got %v", msgs)
	}
}
