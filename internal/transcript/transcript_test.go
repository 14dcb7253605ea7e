package transcript

import (
	"sync"
	"testing"
)

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	l := NewLog()
	a := l.Append(RoleUser, "how large is my down payment?")
	b := l.Append(RoleAgent, "Your down payment is listed as $42,000.")
	c := l.Append(RoleSystem, "Time's up. Session has ended!")

	if a.Seq != 0 || b.Seq != 1 || c.Seq != 2 {
		t.Fatalf("seq = %d,%d,%d, want 0,1,2", a.Seq, b.Seq, c.Seq)
	}
}

func TestDuplicateDeliveriesAreKept(t *testing.T) {
	l := NewLog()
	l.Append(RoleAgent, "hello")
	l.Append(RoleAgent, "hello")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (duplicates accepted as-is)", l.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	l := NewLog()
	l.Append(RoleUser, "one")
	snap := l.Snapshot()
	snap[0].Text = "mutated"
	if got := l.Snapshot()[0].Text; got != "one" {
		t.Fatalf("snapshot mutation leaked into log: %q", got)
	}
}

func TestTurnsIsRestartable(t *testing.T) {
	l := NewLog()
	l.Append(RoleUser, "one")
	l.Append(RoleAgent, "two")

	seq := l.Turns()
	for range 2 {
		var texts []string
		for turn := range seq {
			texts = append(texts, turn.Text)
		}
		if len(texts) != 2 || texts[0] != "one" || texts[1] != "two" {
			t.Fatalf("iteration = %v, want [one two]", texts)
		}
	}
}

func TestConcurrentAppendsStayOrderedAndDense(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(RoleAgent, "chunk")
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	if len(snap) != 50 {
		t.Fatalf("len = %d, want 50", len(snap))
	}
	for i, turn := range snap {
		if turn.Seq != i {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
}
