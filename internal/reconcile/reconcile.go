// Package reconcile merges message collections into one ordered sequence
// without duplicates.
package reconcile

import (
	"slices"
	"time"

	"github.com/comigor/ideachat/internal/message"
)

// Reconciler merges message lists. NewID and Now fill in identifiers and
// dates that a record arrives without; nil fields use the defaults.
type Reconciler struct {
	NewID func() string
	Now   func() time.Time
}

var std = Reconciler{}

// Merge combines primary and secondary with the default generators.
func Merge(primary, secondary []message.Message) message.History {
	return std.Merge(primary, secondary)
}

// AssignIDs returns a copy of msgs in which every record has an id and a
// date, using the default generators.
func AssignIDs(msgs []message.Message) message.History {
	return std.AssignIDs(msgs)
}

// Merge returns a new sequence holding every distinct message of primary
// followed by secondary, sorted ascending by date. When two records share an
// id the one visited first wins. Inputs are never modified: records without an
// id get a fresh one in the output only, so callers that merge the same
// id-less records repeatedly should run AssignIDs on them once beforehand.
func (r Reconciler) Merge(primary, secondary []message.Message) message.History {
	out := make(message.History, 0, len(primary)+len(secondary))
	seen := make(map[string]struct{}, len(primary)+len(secondary))
	for _, src := range [][]message.Message{primary, secondary} {
		for _, m := range src {
			m = r.normalize(m)
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b message.Message) int {
		return a.Date.Compare(b.Date)
	})
	return out
}

// AssignIDs returns a copy of msgs in which every record has an id and a date.
func (r Reconciler) AssignIDs(msgs []message.Message) message.History {
	out := make(message.History, len(msgs))
	for i, m := range msgs {
		out[i] = r.normalize(m)
	}
	return out
}

func (r Reconciler) normalize(m message.Message) message.Message {
	if m.ID == "" {
		if r.NewID != nil {
			m.ID = r.NewID()
		} else {
			m.ID = message.NewID()
		}
	}
	if m.Date.IsZero() {
		if r.Now != nil {
			m.Date = r.Now()
		} else {
			m.Date = time.Now()
		}
	}
	return m
}
