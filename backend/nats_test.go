package backend

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
// The server must have JetStream enabled.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBackend(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	b.Close()

	return url
}

func newTestNATS(t *testing.T) *NATSBackend {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	cfg.Bucket = "swarmbus-test"

	b, err := NewNATSBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewNATSBackend: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		b.Del(ctx, "registered_channels", "state:trader:pos", "consensus:trader:1:votes")
		b.Close()
	})
	return b
}

func TestNATSBackend_Contract(t *testing.T) {
	b := newTestNATS(t)
	if !b.Durable() || b.Name() != "nats" {
		t.Errorf("Name/Durable = %s/%v", b.Name(), b.Durable())
	}
	testContract(t, b)
}

func TestNATSBackend_TTL(t *testing.T) {
	ctx := context.Background()
	b := newTestNATS(t)

	key := "consensus:trader:1:votes"
	if err := b.Set(ctx, key, []byte("{}"), 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, key, []byte(`{"risk":"approve"}`), KeepTTL); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, key)
	if err != nil || string(got) != `{"risk":"approve"}` {
		t.Fatalf("Get = %q, %v", got, err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := b.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}
