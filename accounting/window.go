package accounting

import "time"

// =============================================================================
// WINDOW - Validity window of an allocation
// =============================================================================

// Window is the validity window [Start, End]. A nil End never expires.
type Window struct {
	Start time.Time
	End   *time.Time
}

// NewWindow builds a window; pass nil for an open end.
func NewWindow(start time.Time, end *time.Time) Window {
	w := Window{Start: start.UTC()}
	if end != nil {
		e := end.UTC()
		w.End = &e
	}
	return w
}

// Contains returns true if t is within [Start, End].
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	if w.End != nil && t.After(*w.End) {
		return false
	}
	return true
}

// Valid reports whether End is not before Start.
func (w Window) Valid() bool {
	return w.End == nil || !w.End.Before(w.Start)
}

// Within reports whether w is fully contained in parent. An open end is
// infinity and only fits inside a parent that is open-ended too.
func (w Window) Within(parent Window) bool {
	if w.Start.Before(parent.Start) {
		return false
	}
	if parent.End == nil {
		return true
	}
	if w.End == nil {
		return false
	}
	return !w.End.After(*parent.End)
}

// EndsBefore orders windows by end date, open ends last.
func (w Window) EndsBefore(other Window) bool {
	switch {
	case w.End == nil:
		return false
	case other.End == nil:
		return true
	default:
		return w.End.Before(*other.End)
	}
}

func (w Window) Clone() Window {
	c := Window{Start: w.Start}
	if w.End != nil {
		e := *w.End
		c.End = &e
	}
	return c
}

func (w Window) String() string {
	end := "∞"
	if w.End != nil {
		end = w.End.Format(time.RFC3339)
	}
	return "[" + w.Start.Format(time.RFC3339) + ", " + end + "]"
}
