// Package eventstoretest holds the conformance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-protocol-go/eventstore"
	"golang.org/x/sync/errgroup"
)

// Factory creates a fresh, empty Store retaining at most maxEvents events
// per stream.
type Factory func(t *testing.T, maxEvents int) eventstore.Store

// RunStoreTests runs the suite.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("Append_IndexesFromZero", func(t *testing.T) { testIndexes(t, factory) })
	t.Run("After_ReplaysInOrder", func(t *testing.T) { testAfter(t, factory) })
	t.Run("After_StreamsAreIndependent", func(t *testing.T) { testIndependentStreams(t, factory) })
	t.Run("UnknownStream", func(t *testing.T) { testUnknownStream(t, factory) })
	t.Run("Retention_PurgesOldest", func(t *testing.T) { testRetention(t, factory) })
	t.Run("SessionClosed_DropsStreams", func(t *testing.T) { testSessionClosed(t, factory) })
	t.Run("Append_ConcurrentIndexesUnique", func(t *testing.T) { testConcurrentAppend(t, factory) })
}

func collect(t *testing.T, s eventstore.Store, session, stream string, index int) ([]eventstore.Event, error) {
	t.Helper()
	var out []eventstore.Event
	for ev, err := range s.After(context.Background(), session, stream, index) {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func mustOpen(t *testing.T, s eventstore.Store, session, stream string) {
	t.Helper()
	if err := s.Open(context.Background(), session, stream); err != nil {
		t.Fatalf("open %s/%s: %v", session, stream, err)
	}
}

func mustAppend(t *testing.T, s eventstore.Store, session, stream, data string) int {
	t.Helper()
	idx, err := s.Append(context.Background(), session, stream, []byte(data))
	if err != nil {
		t.Fatalf("append %s/%s: %v", session, stream, err)
	}
	return idx
}

func testIndexes(t *testing.T, factory Factory) {
	s := factory(t, 100)
	mustOpen(t, s, "s1", "a")
	for want := 0; want < 5; want++ {
		if got := mustAppend(t, s, "s1", "a", fmt.Sprintf("m%d", want)); got != want {
			t.Fatalf("index: want %d got %d", want, got)
		}
	}
	// Reopening keeps the log.
	mustOpen(t, s, "s1", "a")
	if want, got := 5, mustAppend(t, s, "s1", "a", "m5"); want != got {
		t.Fatalf("index after reopen: want %d got %d", want, got)
	}
}

func testAfter(t *testing.T, factory Factory) {
	s := factory(t, 100)
	mustOpen(t, s, "s1", "a")
	for i := 0; i < 4; i++ {
		mustAppend(t, s, "s1", "a", fmt.Sprintf("m%d", i))
	}
	got, err := collect(t, s, "s1", "a", 1)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || string(got[0].Data) != "m2" || got[1].Index != 3 || string(got[1].Data) != "m3" {
		t.Fatalf("unexpected replay %+v", got)
	}
	got, err = collect(t, s, "s1", "a", 3)
	if err != nil || len(got) != 0 {
		t.Fatalf("after last: want nothing got %+v (%v)", got, err)
	}
	got, err = collect(t, s, "s1", "a", -1)
	if err != nil || len(got) != 4 {
		t.Fatalf("after -1: want all 4 got %d (%v)", len(got), err)
	}
}

func testIndependentStreams(t *testing.T, factory Factory) {
	s := factory(t, 100)
	mustOpen(t, s, "s1", "a")
	mustOpen(t, s, "s1", "")
	mustOpen(t, s, "s2", "a")
	mustAppend(t, s, "s1", "a", "a0")
	mustAppend(t, s, "s1", "", "standalone0")
	mustAppend(t, s, "s2", "a", "other0")
	mustAppend(t, s, "s1", "a", "a1")

	got, err := collect(t, s, "s1", "a", -1)
	if err != nil || len(got) != 2 || string(got[1].Data) != "a1" {
		t.Fatalf("s1/a: got %+v (%v)", got, err)
	}
	got, err = collect(t, s, "s1", "", -1)
	if err != nil || len(got) != 1 || string(got[0].Data) != "standalone0" {
		t.Fatalf("s1/standalone: got %+v (%v)", got, err)
	}
	got, err = collect(t, s, "s2", "a", -1)
	if err != nil || len(got) != 1 || string(got[0].Data) != "other0" {
		t.Fatalf("s2/a: got %+v (%v)", got, err)
	}
}

func testUnknownStream(t *testing.T, factory Factory) {
	s := factory(t, 100)
	if _, err := collect(t, s, "s1", "nope", -1); !errors.Is(err, eventstore.ErrUnknownStream) {
		t.Fatalf("after: want ErrUnknownStream got %v", err)
	}
	if _, err := s.Append(context.Background(), "s1", "nope", []byte("x")); !errors.Is(err, eventstore.ErrUnknownStream) {
		t.Fatalf("append: want ErrUnknownStream got %v", err)
	}
}

func testRetention(t *testing.T, factory Factory) {
	s := factory(t, 3)
	mustOpen(t, s, "s1", "a")
	for i := 0; i < 6; i++ {
		mustAppend(t, s, "s1", "a", fmt.Sprintf("m%d", i))
	}
	got, err := collect(t, s, "s1", "a", 2)
	if err != nil || len(got) != 3 || got[0].Index != 3 {
		t.Fatalf("retained tail: got %+v (%v)", got, err)
	}
	if _, err := collect(t, s, "s1", "a", 1); !errors.Is(err, eventstore.ErrEventsPurged) {
		t.Fatalf("want ErrEventsPurged got %v", err)
	}
}

func testSessionClosed(t *testing.T, factory Factory) {
	s := factory(t, 100)
	mustOpen(t, s, "s1", "a")
	mustOpen(t, s, "s2", "a")
	mustAppend(t, s, "s1", "a", "x")
	mustAppend(t, s, "s2", "a", "y")
	if err := s.SessionClosed(context.Background(), "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := collect(t, s, "s1", "a", -1); !errors.Is(err, eventstore.ErrUnknownStream) {
		t.Fatalf("closed session: want ErrUnknownStream got %v", err)
	}
	if got, err := collect(t, s, "s2", "a", -1); err != nil || len(got) != 1 {
		t.Fatalf("other session: got %+v (%v)", got, err)
	}
	if err := s.SessionClosed(context.Background(), "s1"); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func testConcurrentAppend(t *testing.T, factory Factory) {
	const n = 50
	s := factory(t, 2*n)
	mustOpen(t, s, "s1", "a")

	var mu sync.Mutex
	seen := make(map[int]bool)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			idx, err := s.Append(context.Background(), "s1", "a", []byte(fmt.Sprintf("m%d", i)))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[idx] {
				return fmt.Errorf("index %d assigned twice", idx)
			}
			seen[idx] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			t.Fatalf("index %d missing", i)
		}
	}
}
