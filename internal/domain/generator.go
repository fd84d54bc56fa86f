package domain

import "time"

// MaxOccurrences caps a single generation call. It bounds open-ended and very
// long series and wins over any larger end condition.
const MaxOccurrences = 500

// Window narrows one generation call.
type Window struct {
	// After resumes generation strictly after this occurrence date. Zero means
	// start from the series start date. OccurrenceCount still counts from the
	// series start, so a resumed call never overshoots N.
	After time.Time
	// Limit caps the dates returned by this call.
	Limit int
	// Through stops generation at the first candidate after it. Zero disables it.
	Through time.Time
}

// Generate returns the ordered occurrence dates of a recurrence. It is pure and
// deterministic: identical inputs always yield identical output. An invalid
// recurrence yields no dates.
func Generate(p Pattern, start time.Time, end EndCondition, maxCount int) []time.Time {
	return Expand(p, start, end, Window{Limit: maxCount})
}

// Expand is Generate with resume and horizon support. It walks the RFC 5545
// rule built by RRule, so stored instances and exported feeds share one
// expansion.
func Expand(p Pattern, start time.Time, end EndCondition, w Window) []time.Time {
	rr, err := RRule(p, start, end)
	if err != nil {
		return nil
	}

	limit := w.Limit
	if limit <= 0 || limit > MaxOccurrences {
		limit = MaxOccurrences
	}
	var after, through time.Time
	if !w.After.IsZero() {
		after = DateOf(w.After)
	}
	if !w.Through.IsZero() {
		through = DateOf(w.Through)
	}

	next := rr.Iterator()
	out := make([]time.Time, 0, min(limit, 64))
	for len(out) < limit {
		d, ok := next()
		if !ok {
			break
		}
		if !through.IsZero() && d.After(through) {
			break
		}
		if !after.IsZero() && !d.After(after) {
			continue
		}
		out = append(out, d)
	}
	return out
}
