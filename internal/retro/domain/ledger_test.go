package domain

import (
	"testing"

	"github.com/louisbranch/retroloop/internal/platform/errors"
)

func TestLedgerCastWithinBudget(t *testing.T) {
	ledger := NewLedger()

	for i := 0; i < VoteBudget; i++ {
		if err := ledger.Cast("p1", "g1"); err != nil {
			t.Fatalf("cast %d: %v", i+1, err)
		}
	}
	if used := ledger.Used("p1"); used != VoteBudget {
		t.Fatalf("used = %d, want %d", used, VoteBudget)
	}
	if total := ledger.GroupTotals()["g1"]; total != VoteBudget {
		t.Fatalf("group total = %d, want %d", total, VoteBudget)
	}
}

func TestLedgerCastBeyondBudgetFails(t *testing.T) {
	ledger := NewLedger()
	for i := 0; i < VoteBudget; i++ {
		if err := ledger.Cast("p1", "g1"); err != nil {
			t.Fatalf("cast: %v", err)
		}
	}

	// Fourth vote fails regardless of target group.
	for _, groupID := range []string{"g1", "g2"} {
		err := ledger.Cast("p1", groupID)
		if err == nil {
			t.Fatalf("expected cast on %q to exceed budget", groupID)
		}
		if errors.CodeOf(err) != errors.CodeBudgetExceeded {
			t.Fatalf("code = %q, want budget exceeded", errors.CodeOf(err))
		}
	}
	if used := ledger.Used("p1"); used != VoteBudget {
		t.Fatalf("used = %d after rejected casts, want %d", used, VoteBudget)
	}
}

func TestLedgerBudgetIsPerParticipant(t *testing.T) {
	ledger := NewLedger()
	for i := 0; i < VoteBudget; i++ {
		if err := ledger.Cast("p1", "g1"); err != nil {
			t.Fatalf("p1 cast: %v", err)
		}
	}

	if err := ledger.Cast("p2", "g1"); err != nil {
		t.Fatalf("p2 should have a fresh budget: %v", err)
	}
	if total := ledger.GroupTotals()["g1"]; total != VoteBudget+1 {
		t.Fatalf("group total = %d, want %d", total, VoteBudget+1)
	}
}

func TestLedgerRemoveUnderflow(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Cast("p1", "g1"); err != nil {
		t.Fatalf("cast: %v", err)
	}

	err := ledger.Remove("p1", "g2")
	if err == nil {
		t.Fatal("expected underflow for group without votes")
	}
	if errors.CodeOf(err) != errors.CodeVoteUnderflow {
		t.Fatalf("code = %q, want underflow", errors.CodeOf(err))
	}
	// A rejected removal leaves all tallies unchanged.
	if count := ledger.Count("p1", "g1"); count != 1 {
		t.Fatalf("count = %d after rejected removal, want 1", count)
	}

	if err := ledger.Remove("p2", "g1"); err == nil {
		t.Fatal("expected underflow for participant without votes")
	}
}

func TestLedgerRemoveDropsZeroEntries(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Cast("p1", "g1"); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if err := ledger.Remove("p1", "g1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	counts := ledger.Counts()
	if _, ok := counts["p1"]; ok {
		t.Fatal("expected zeroed participant entry to be dropped")
	}
	if len(ledger.GroupTotals()) != 0 {
		t.Fatal("expected empty group totals")
	}
}

func TestLedgerBudgetInvariantUnderMixedSequences(t *testing.T) {
	ledger := NewLedger()
	ops := []struct {
		cast  bool
		group string
	}{
		{true, "g1"}, {true, "g2"}, {false, "g1"},
		{true, "g3"}, {true, "g1"}, {false, "g2"},
		{true, "g2"}, {true, "g1"}, {false, "g3"},
		{true, "g3"},
	}
	for i, op := range ops {
		if op.cast {
			_ = ledger.Cast("p1", op.group)
		} else {
			_ = ledger.Remove("p1", op.group)
		}
		if used := ledger.Used("p1"); used > VoteBudget {
			t.Fatalf("op %d: used %d exceeds budget", i, used)
		}
	}
}

func TestRestoreLedgerDiscardsNonPositiveCounts(t *testing.T) {
	ledger := RestoreLedger(map[string]map[string]int{
		"p1": {"g1": 2, "g2": 0},
		"p2": {"g1": -1},
	})

	if used := ledger.Used("p1"); used != 2 {
		t.Fatalf("p1 used = %d, want 2", used)
	}
	if used := ledger.Used("p2"); used != 0 {
		t.Fatalf("p2 used = %d, want 0", used)
	}
	if count := ledger.Count("p1", "g2"); count != 0 {
		t.Fatalf("zero entry restored with count %d", count)
	}
}
