package mesh

import (
	"fmt"
	"testing"

	"github.com/meshmind/meshmind/internal/testutil/testlog"
)

func TestSeenSetAddAndContains(t *testing.T) {
	testlog.Start(t)

	seen := newSeenSet(4)
	if !seen.Add("a") {
		t.Fatalf("first add must succeed")
	}
	if seen.Add("a") {
		t.Fatalf("second add of same id must report already present")
	}
	if !seen.Contains("a") {
		t.Fatalf("expected membership for a")
	}
}

func TestSeenSetEvictsOldestFirst(t *testing.T) {
	testlog.Start(t)

	seen := newSeenSet(3)
	seen.Add("a")
	seen.Add("b")
	seen.Add("c")
	seen.Add("d") // evicts a

	if seen.Contains("a") {
		t.Fatalf("oldest entry must be evicted first")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !seen.Contains(id) {
			t.Fatalf("expected %q retained", id)
		}
	}
	if seen.Len() != 3 {
		t.Fatalf("capacity must hold at %d, got %d", 3, seen.Len())
	}

	seen.Add("e") // evicts b
	if seen.Contains("b") {
		t.Fatalf("eviction order must stay oldest-first")
	}
}

func TestSeenSetSustainedChurn(t *testing.T) {
	testlog.Start(t)

	seen := newSeenSet(100)
	for i := 0; i < 1000; i++ {
		seen.Add(fmt.Sprintf("msg-%d", i))
	}
	if seen.Len() != 100 {
		t.Fatalf("expected steady capacity 100, got %d", seen.Len())
	}
	if seen.Contains("msg-0") {
		t.Fatalf("long-evicted id must not linger")
	}
	if !seen.Contains("msg-999") {
		t.Fatalf("most recent id must be present")
	}
}
