package store

import "testing"

// Behavior is covered by the Memory adapter tests, which the Redis adapter
// mirrors; end-to-end coverage needs a live Redis and belongs to integration
// tests.

func TestScriptsAreInitialized(t *testing.T) {
	if mergeIfExists == nil || mergeIfAllowed == nil || createAndIndex == nil {
		t.Fatalf("expected record scripts to be initialized")
	}
}

func TestKeyNaming(t *testing.T) {
	if got := recordKey("calls", "s1"); got != "vl:rec:calls:s1" {
		t.Fatalf("unexpected record key %q", got)
	}
	if got := indexKey("calls"); got != "vl:idx:calls" {
		t.Fatalf("unexpected index key %q", got)
	}
	if got := changeChannel("calls/s1/offerCandidates"); got != "vl:changes:calls/s1/offerCandidates" {
		t.Fatalf("unexpected channel %q", got)
	}
}
