package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-protocol-go/eventstore"
	"github.com/ggoodman/mcp-protocol-go/eventstore/eventstoretest"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

func TestRedisEventStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv(context.Background())
	if err != nil {
		t.Skipf("skipping redis event store tests: %v", err)
		return
	}
	_ = s.Close()

	eventstoretest.RunStoreTests(t, func(t *testing.T, maxEvents int) eventstore.Store {
		var cfg Config
		_ = envdecode.Decode(&cfg)
		cfg.KeyPrefix = "mcp:events:test:" + uuid.NewString() + ":"
		cfg.MaxEvents = maxEvents
		s, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
