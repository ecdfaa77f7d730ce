package backend

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// testContract exercises behaviour every Backend must share.
func testContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("pubsub", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, "swarm:trader", "swarm:all")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer sub.Close()

		for _, ch := range []string{"swarm:all", "swarm:trader"} {
			if err := b.Publish(ctx, ch, []byte("to "+ch)); err != nil {
				t.Fatalf("Publish(%s): %v", ch, err)
			}
			data, err := sub.Receive(ctx, 2*time.Second)
			if err != nil {
				t.Fatalf("Receive after %s: %v", ch, err)
			}
			if string(data) != "to "+ch {
				t.Errorf("got %q", data)
			}
		}

		if err := b.Publish(ctx, "swarm:risk", []byte("not for us")); err != nil {
			t.Fatal(err)
		}
		if _, err := sub.Receive(ctx, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Receive on unrelated channel = %v, want ErrTimeout", err)
		}
	})

	t.Run("receive honours context", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, "swarm:ctx")
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Close()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := sub.Receive(cctx, time.Second); !errors.Is(err, context.Canceled) {
			t.Errorf("Receive with canceled ctx = %v", err)
		}
	})

	t.Run("closed subscription", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, "swarm:closed")
		if err != nil {
			t.Fatal(err)
		}
		sub.Close()
		if _, err := sub.Receive(ctx, 50*time.Millisecond); !errors.Is(err, ErrClosed) {
			t.Errorf("Receive after Close = %v, want ErrClosed", err)
		}
		if err := sub.Close(); err != nil {
			t.Errorf("second Close = %v", err)
		}
	})

	t.Run("kv", func(t *testing.T) {
		if _, err := b.Get(ctx, "state:nobody:x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, want ErrNotFound", err)
		}
		if err := b.Set(ctx, "state:trader:pos", []byte(`{"n":1}`), 0); err != nil {
			t.Fatal(err)
		}
		got, err := b.Get(ctx, "state:trader:pos")
		if err != nil || string(got) != `{"n":1}` {
			t.Errorf("Get = %q, %v", got, err)
		}
		if err := b.Del(ctx, "state:trader:pos"); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Get(ctx, "state:trader:pos"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Del = %v", err)
		}
	})

	t.Run("sets", func(t *testing.T) {
		if err := b.SAdd(ctx, "registered_channels", "swarm:a", "swarm:b", "swarm:a"); err != nil {
			t.Fatal(err)
		}
		if err := b.SAdd(ctx, "registered_channels", "swarm:c"); err != nil {
			t.Fatal(err)
		}
		if err := b.SRem(ctx, "registered_channels", "swarm:b"); err != nil {
			t.Fatal(err)
		}
		members, err := b.SMembers(ctx, "registered_channels")
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(members)
		if len(members) != 2 || members[0] != "swarm:a" || members[1] != "swarm:c" {
			t.Errorf("SMembers = %v", members)
		}

		empty, err := b.SMembers(ctx, "no_such_set")
		if err != nil || len(empty) != 0 {
			t.Errorf("SMembers(empty) = %v, %v", empty, err)
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		if err := b.Publish(ctx, "", nil); !errors.Is(err, ErrInvalid) {
			t.Errorf("Publish(\"\") = %v", err)
		}
		if _, err := b.Subscribe(ctx); !errors.Is(err, ErrInvalid) {
			t.Errorf("Subscribe() = %v", err)
		}
	})
}
