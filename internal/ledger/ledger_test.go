package ledger

import (
	"testing"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

func newTestLedger(t *testing.T, retention int) *Ledger {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, retention)
}

func TestAppend_FillsDefaults(t *testing.T) {
	l := newTestLedger(t, 10)

	if err := l.Append("/work/app", "02-x.md", store.HistoryRecord{Outcome: store.OutcomeFailure, ExitCode: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append("/work/app", "02-x.md", store.HistoryRecord{Outcome: store.OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}

	records, err := l.Records("/work/app", "02-x.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Attempt != 2 || records[1].Attempt != 1 {
		t.Errorf("attempt numbering wrong: %+v", records)
	}
	if records[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled")
	}
}

func TestAppend_RetentionBound(t *testing.T) {
	l := newTestLedger(t, 3)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		err := l.Append("/work/app", "02-x.md", store.HistoryRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Outcome:   store.OutcomeSuccess,
			Attempt:   i + 1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	records, err := l.Records("/work/app", "02-x.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("retained %d records, want 3", len(records))
	}
	// Exactly the three most recent.
	for i, want := range []int{10, 9, 8} {
		if records[i].Attempt != want {
			t.Errorf("records[%d].Attempt = %d, want %d", i, records[i].Attempt, want)
		}
	}
}

func TestAppend_RetentionPerItem(t *testing.T) {
	l := newTestLedger(t, 2)

	for i := 0; i < 4; i++ {
		if err := l.Append("/work/app", "02-x.md", store.HistoryRecord{Outcome: store.OutcomeSuccess, Attempt: i + 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Append("/work/app", "03-y.md", store.HistoryRecord{Outcome: store.OutcomeTimeout, Attempt: 1}); err != nil {
		t.Fatal(err)
	}

	x, _ := l.Records("/work/app", "02-x.md")
	y, _ := l.Records("/work/app", "03-y.md")
	if len(x) != 2 || len(y) != 1 {
		t.Errorf("x=%d y=%d, want 2 and 1", len(x), len(y))
	}
}

func TestNextAttempt(t *testing.T) {
	l := newTestLedger(t, 10)

	next, err := l.NextAttempt("/work/app", "02-x.md")
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Errorf("first NextAttempt = %d, want 1", next)
	}

	if err := l.Append("/work/app", "02-x.md", store.HistoryRecord{Outcome: store.OutcomeRateLimited, Attempt: 7}); err != nil {
		t.Fatal(err)
	}
	next, err = l.NextAttempt("/work/app", "02-x.md")
	if err != nil {
		t.Fatal(err)
	}
	if next != 8 {
		t.Errorf("NextAttempt = %d, want 8", next)
	}
}
