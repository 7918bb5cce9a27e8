package op

import "testing"

func TestClassify_NoLastApplied(t *testing.T) {
	in := New(TypeInsert, 0, 0, 0, "a", 1)
	got := Classify(nil, in)
	if got.Code != NoConflict {
		t.Fatalf("Classify() = %v, want %v", got.Code, NoConflict)
	}
}

func TestClassify_NewerOrEqualTimestamp(t *testing.T) {
	last := Operation{Type: TypeInsert, AuthorID: 1, Timestamp: 100}

	in := Operation{Type: TypeInsert, AuthorID: 2, Timestamp: 100}
	if got := Classify(&last, in); got.Code != NoConflict {
		t.Fatalf("equal ts: Classify() = %v, want %v", got.Code, NoConflict)
	}

	in.Timestamp = 101
	if got := Classify(&last, in); got.Code != NoConflict {
		t.Fatalf("newer ts: Classify() = %v, want %v", got.Code, NoConflict)
	}
}

func TestClassify_OutOfOrder(t *testing.T) {
	last := Operation{Type: TypeInsert, AuthorID: 1, Timestamp: 100}
	in := Operation{Type: TypeInsert, AuthorID: 2, Timestamp: 99}

	got := Classify(&last, in)
	if got.Code != ConflictDetected {
		t.Fatalf("Classify() = %v, want %v", got.Code, ConflictDetected)
	}
	if got.Reason != "operation is out of order" {
		t.Fatalf("Reason = %q, want %q", got.Reason, "operation is out of order")
	}
}

func TestOperation_Key(t *testing.T) {
	a := Operation{Type: TypeInsert, Line: 1, Column: 2, AuthorID: 3, Timestamp: 42}
	b := a
	if a.Key() != b.Key() {
		t.Fatalf("identical ops: Key() %q != %q", a.Key(), b.Key())
	}
	b.Column = 3
	if a.Key() == b.Key() {
		t.Fatalf("different anchor: Key() should differ, both %q", a.Key())
	}
}
