package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeProbe struct {
	mu     sync.Mutex
	active map[uint64]bool
}

func (f *fakeProbe) IsLocallyActive(docID string, userID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[userID]
}

type fakeMirror struct {
	mu    sync.Mutex
	added map[uint64]int
}

func (f *fakeMirror) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = make(map[uint64]int)
	}
	f.added[userID]++
	return nil
}

// 心跳驱逐：LastSeen 被拨回 31 秒前的成员，一次 tick（阈值 30s）之后
// 必须从成员表和光标/选区表里消失。
func TestHeartbeat_EvictsStaleCollaborator(t *testing.T) {
	r, pub, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.StartSession(ctx, "d1", "Doc 1", 1, "alice", RoleOwner)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := r.JoinSession(ctx, "d1", 2, "bob", RoleEditor); err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}
	if err := r.UpdateCursor(ctx, "d1", 2, 3, 4); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if err := r.UpdateSelection(ctx, "d1", 2, 0, 0, 1, 2); err != nil {
		t.Fatalf("UpdateSelection() error = %v", err)
	}

	now := time.Now()
	sess.backdateLastSeen(2, now.Add(-31*time.Second))

	probe := &fakeProbe{active: map[uint64]bool{1: true}} // alice 还活着，bob 没有连接
	h := NewHeartbeatSupervisor(r, probe, nil, DefaultHeartbeatPeriod, 30*time.Second)

	pub.mu.Lock()
	rostersBefore := pub.rosters
	pub.mu.Unlock()

	h.sweepOnce(ctx, now)

	if _, ok := sess.collaborator(2); ok {
		t.Fatalf("bob should be evicted from roster")
	}
	if _, ok := sess.Cursors()[2]; ok {
		t.Fatalf("bob's cursor should be cleared")
	}
	if _, ok := sess.Selections()[2]; ok {
		t.Fatalf("bob's selection should be cleared")
	}
	if _, ok := sess.collaborator(1); !ok {
		t.Fatalf("alice must survive the sweep")
	}
	// 驱逐之后要重新发布 roster
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.rosters <= rostersBefore {
		t.Fatalf("roster republish missing after eviction")
	}
}

func TestHeartbeat_RefreshKeepsActiveAlive(t *testing.T) {
	r, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.StartSession(ctx, "d1", "Doc 1", 1, "alice", RoleOwner)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	// alice 的 LastSeen 已经过了阈值，但本地探针说她还有活连接，
	// tick 先续命再查过期，所以不能驱逐她。
	now := time.Now()
	sess.backdateLastSeen(1, now.Add(-31*time.Second))

	probe := &fakeProbe{active: map[uint64]bool{1: true}}
	mirror := &fakeMirror{}
	h := NewHeartbeatSupervisor(r, probe, mirror, DefaultHeartbeatPeriod, 30*time.Second)
	h.sweepOnce(ctx, now)

	if _, ok := sess.collaborator(1); !ok {
		t.Fatalf("locally-active collaborator must not be evicted")
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if mirror.added[1] == 0 {
		t.Fatalf("presence mirror should be refreshed for active members")
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	r, _, _, _, _ := newTestRegistry(t)

	h := NewHeartbeatSupervisor(r, nil, nil, 10*time.Millisecond, 30*time.Second)
	h.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	h.Stop()
	// Stop 幂等
	h.Stop()
}
