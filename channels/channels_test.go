package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/vinayprograms/swarmbus/backend"
)

func newRedis(t *testing.T) backend.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := backend.NewRedisBackend(context.Background(), backend.RedisConfig{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRegister_Local(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend(nil, 0)
	r := New(b, "swarm:")

	name, err := r.Register(ctx, "alerts")
	if err != nil || name != "swarm:alerts" {
		t.Fatalf("Register = %q, %v", name, err)
	}
	if again, _ := r.Register(ctx, "swarm:alerts"); again != "swarm:alerts" {
		t.Errorf("prefixed names should be kept, got %q", again)
	}
	if !r.IsRegistered("alerts") {
		t.Error("IsRegistered(alerts) = false")
	}

	// Non-durable backends never touch the shared set.
	if members, _ := b.SMembers(ctx, RegisteredKey); len(members) != 0 {
		t.Errorf("shared set = %v, want empty", members)
	}

	if err := r.Unregister(ctx, "alerts"); err != nil {
		t.Fatal(err)
	}
	if r.IsRegistered("alerts") || len(r.Local()) != 0 {
		t.Error("Unregister should remove the channel")
	}

	if _, err := r.Register(ctx, ""); err == nil {
		t.Error("empty name should fail")
	}
}

func TestRegister_Reserved(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemoryBackend(nil, 0), "swarm:")
	r.Reserve("all", "risk", "")

	for _, name := range []string{"risk", "swarm:risk", "all"} {
		if _, err := r.Register(ctx, name); !errors.Is(err, ErrReserved) {
			t.Errorf("Register(%q) = %v, want ErrReserved", name, err)
		}
	}
	if r.IsRegistered("risk") {
		t.Error("reserved name was recorded")
	}
	if _, err := r.Register(ctx, "risk-alerts"); err != nil {
		t.Errorf("Register(risk-alerts) = %v", err)
	}
	if _, err := r.RegisterTopic(ctx, "risk", []string{"risk"}); err != nil {
		t.Errorf("topic named after an agent = %v", err)
	}
}

func TestRegister_SharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	b := newRedis(t)
	trader := New(b, "swarm:")
	risk := New(b, "swarm:")

	if _, err := trader.Register(ctx, "signals"); err != nil {
		t.Fatal(err)
	}
	if _, err := risk.Register(ctx, "alerts"); err != nil {
		t.Fatal(err)
	}

	all, err := trader.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0] != "swarm:alerts" || all[1] != "swarm:signals" {
		t.Errorf("All = %v", all)
	}
	if local := trader.Local(); len(local) != 1 || local[0] != "swarm:signals" {
		t.Errorf("Local = %v", local)
	}

	if err := risk.Unregister(ctx, "alerts"); err != nil {
		t.Fatal(err)
	}
	all, _ = trader.All(ctx)
	if len(all) != 1 || all[0] != "swarm:signals" {
		t.Errorf("All after Unregister = %v", all)
	}
}

func TestRegisterTopic(t *testing.T) {
	ctx := context.Background()
	b := newRedis(t)
	r := New(b, "swarm:")
	other := New(b, "swarm:")

	name, err := r.RegisterTopic(ctx, "exit-plan", []string{"trader", "risk"})
	if err != nil || name != "swarm:topic:exit-plan" {
		t.Fatalf("RegisterTopic = %q, %v", name, err)
	}

	got, err := other.Participants(ctx, "topic:exit-plan")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "trader" || got[1] != "risk" {
		t.Errorf("Participants from another registry = %v", got)
	}

	if err := r.Unregister(ctx, name); err != nil {
		t.Fatal(err)
	}
	if got, _ := other.Participants(ctx, name); got != nil {
		t.Errorf("participants should be dropped, got %v", got)
	}
}

func TestRegisterTopic_Local(t *testing.T) {
	ctx := context.Background()
	r := New(backend.NewMemoryBackend(nil, 0), "swarm:")

	name, _ := r.RegisterTopic(ctx, "t", []string{"a"})
	got, err := r.Participants(ctx, name)
	if err != nil || len(got) != 1 || got[0] != "a" {
		t.Errorf("Participants = %v, %v", got, err)
	}
	if got, _ := r.Participants(ctx, "topic:unknown"); got != nil {
		t.Errorf("unknown topic = %v", got)
	}
}
