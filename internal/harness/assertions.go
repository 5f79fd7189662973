package harness

import (
	"context"
	"fmt"
	"strings"
)

// EvaluateAssertions checks every assertion and returns the failures.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, result *Result, a Assertion) error {
	switch a.Type {
	case AssertHostCount:
		return assertHostCount(result, a.Op, a.Count)
	case AssertHostOrder:
		return assertHostOrder(result, a.Ops)
	case AssertConnection:
		if got := string(h.sup.State()); got != a.State {
			return fmt.Errorf("expected connection %s, got %s", a.State, got)
		}
		return nil
	case AssertJournal:
		return assertJournal(ctx, h, a)
	case AssertNotes:
		if got := len(h.studio.Notes()); got != a.Count {
			return fmt.Errorf("expected %d note(s), got %d", a.Count, got)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertHostCount(result *Result, op string, want int) error {
	got := 0
	for _, e := range result.HostEvents() {
		if e.Op == op {
			got++
		}
	}
	if got != want {
		return fmt.Errorf("expected host to see %s %d time(s), saw it %d time(s)", op, want, got)
	}
	return nil
}

// assertHostOrder checks that ops appear in the host events in this
// relative order. Other requests may appear in between.
func assertHostOrder(result *Result, ops []string) error {
	next := 0
	var seen []string
	for _, e := range result.HostEvents() {
		seen = append(seen, e.Op)
		if next < len(ops) && e.Op == ops[next] {
			next++
		}
	}
	if next < len(ops) {
		return fmt.Errorf("expected order %s, host saw %s", strings.Join(ops, " < "), strings.Join(seen, ", "))
	}
	return nil
}

func assertJournal(ctx context.Context, h *Harness, a Assertion) error {
	recs, err := h.journal.Recent(ctx, 1000)
	if err != nil {
		return err
	}
	got := 0
	for _, r := range recs {
		if r.Op == a.Op && r.State == a.State {
			got++
		}
	}
	want := a.Count
	if want == 0 {
		want = 1
	}
	if got != want {
		return fmt.Errorf("expected %d journal row(s) of %s in state %s, found %d", want, a.Op, a.State, got)
	}
	return nil
}
