package scope

import (
	"context"
	"testing"
)

func TestSeenDeduplicatesWithinScope(t *testing.T) {
	m := NewManager()
	h := Hash("some result text")

	if m.Seen("scope-1", h) {
		t.Error("first sighting reported as duplicate")
	}
	if !m.Seen("scope-1", h) {
		t.Error("second sighting not deduplicated")
	}
	// Different scope, same content: independent.
	if m.Seen("scope-2", h) {
		t.Error("dedup leaked across scopes")
	}
}

func TestEmptyScopeNeverDeduplicates(t *testing.T) {
	m := NewManager()
	h := Hash("x")
	for i := 0; i < 3; i++ {
		if m.Seen("", h) {
			t.Fatal("empty scope deduplicated")
		}
	}
}

func TestClearResetsScope(t *testing.T) {
	m := NewManager()
	h := Hash("y")
	m.Seen("s", h)
	m.Clear("s")
	if m.Seen("s", h) {
		t.Error("hash survived Clear")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != "" {
		t.Error("bare context has a scope id")
	}
	ctx = WithScope(ctx)
	id := FromContext(ctx)
	if id == "" {
		t.Fatal("scope id missing after WithScope")
	}
	// Fresh scopes are distinct.
	other := FromContext(WithScope(context.Background()))
	if other == id {
		t.Error("two scopes share an id")
	}
}

func TestHashStable(t *testing.T) {
	if Hash("abc") != Hash("abc") {
		t.Error("hash not deterministic")
	}
	if Hash("abc") == Hash("abd") {
		t.Error("distinct content hashed equal")
	}
	if len(Hash("abc")) != 64 {
		t.Errorf("unexpected hash length %d", len(Hash("abc")))
	}
}
