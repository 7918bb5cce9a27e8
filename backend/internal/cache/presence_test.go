package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushAll(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func TestPresence_AddAndListAlive(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "alice", 30*time.Second); err != nil {
		t.Fatalf("AddMember(alice) error = %v", err)
	}
	if err := p.AddMember(ctx, "d1", 2, "bob", 30*time.Second); err != nil {
		t.Fatalf("AddMember(bob) error = %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "d1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len(members) = %d, want 2", len(members))
	}
	byID := make(map[uint64]string)
	for _, m := range members {
		byID[m.UserID] = m.Username
	}
	if byID[1] != "alice" || byID[2] != "bob" {
		t.Fatalf("members = %v", byID)
	}
}

func TestPresence_ExpiredMemberSweptByLua(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	// 负 TTL ⇒ score 已经在过去，Lua 清理要把它扫掉
	if err := p.AddMember(ctx, "d1", 1, "ghost", -1*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, "d1", 2, "bob", 30*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "d1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("members = %v, want only bob", members)
	}
}

func TestPresence_RemoveMember(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", 1, "alice", 30*time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.SetCursor(ctx, "d1", 1, []byte(`{"line":1,"column":2}`), 30*time.Second); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	if err := p.RemoveMember(ctx, "d1", 1); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	members, err := p.GetAliveMembersWithNames(ctx, "d1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v, want empty", members)
	}
	if _, err := p.GetCursor(ctx, "d1", 1); err != redis.Nil {
		t.Fatalf("GetCursor() error = %v, want redis.Nil", err)
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	rdb := testClient(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	payload := []byte(`{"line":3,"column":14}`)
	if err := p.SetCursor(ctx, "d1", 1, payload, 30*time.Second); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	got, err := p.GetCursor(ctx, "d1", 1)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("GetCursor() = %s, want %s", got, payload)
	}
}
