// Package reconcile merges optimistic local echoes, authoritative rows and real-time
// events into one ordered transcript.
//
// Precedence: optimistic < authoritative < newer timestamp of the same safety type.
package reconcile

import (
	"sort"
	"time"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/utils/idgen"
)

// Options tune the merge windows.
type Options struct {
	// SafetyDedupWindow groups safety messages of one concern type.
	SafetyDedupWindow time.Duration
	// SafetyStaleWindow hides safety messages older than this at load.
	SafetyStaleWindow time.Duration
	// EchoWindow bounds how far apart an optimistic echo and its confirmed row may be.
	// It only applies to echoes that carry a temporary id.
	EchoWindow time.Duration
}

// DefaultOptions returns five-minute safety windows and a two-minute echo window.
func DefaultOptions() Options {
	return Options{
		SafetyDedupWindow: 5 * time.Minute,
		SafetyStaleWindow: 5 * time.Minute,
		EchoWindow:        2 * time.Minute,
	}
}

// Batch is one set of incoming changes from a fetch, a local echo or the feed.
type Batch struct {
	Upserts []*message.Message
	Deletes []string
}

// Merge returns a new transcript with batch applied. Neither input is modified.
func Merge(transcript []*message.Message, batch Batch, opts Options) []*message.Message {
	out := make([]*message.Message, 0, len(transcript)+len(batch.Upserts))
	out = append(out, transcript...)

	for _, id := range batch.Deletes {
		out = removeID(out, id)
	}
	for _, in := range batch.Upserts {
		out = mergeOne(out, in, opts)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Load builds a fresh transcript from authoritative rows, suppressing stale safety messages.
func Load(rows []*message.Message, now time.Time, opts Options) []*message.Message {
	return Merge(nil, Batch{Upserts: FilterStale(rows, now, opts.SafetyStaleWindow)}, opts)
}

// FilterStale drops safety messages created more than window before now.
func FilterStale(rows []*message.Message, now time.Time, window time.Duration) []*message.Message {
	if window <= 0 {
		return rows
	}
	out := make([]*message.Message, 0, len(rows))
	for _, row := range rows {
		if row != nil && row.IsSafety() && now.Sub(row.CreatedAt) > window {
			continue
		}
		out = append(out, row)
	}
	return out
}

func mergeOne(rows []*message.Message, in *message.Message, opts Options) []*message.Message {
	if in == nil || in.ID == "" {
		return rows
	}

	if i := indexOf(rows, in.ID); i >= 0 {
		if isOptimistic(in) && !isOptimistic(rows[i]) {
			return rows
		}
		rows[i] = in
		return rows
	}

	switch {
	case in.Role == message.RoleUser:
		for i, row := range rows {
			if !sameUserTurn(row, in) || isOptimistic(row) == isOptimistic(in) {
				continue
			}
			if isOptimistic(in) {
				// An echo with a client id is matched by id once the server row arrives.
				if hasClientID(in) {
					break
				}
				if within(row.CreatedAt, in.CreatedAt, opts.EchoWindow) {
					return rows
				}
				continue
			}
			rows[i] = in
			return rows
		}
	case in.IsSafety():
		for i, row := range rows {
			if !row.IsSafety() || row.ConcernType() != in.ConcernType() {
				continue
			}
			if !isOptimistic(row) && !within(row.CreatedAt, in.CreatedAt, opts.SafetyDedupWindow) {
				continue
			}
			if isOptimistic(row) || !in.CreatedAt.Before(row.CreatedAt) {
				rows[i] = in
			}
			return rows
		}
	}

	return append(rows, in)
}

func sameUserTurn(a, b *message.Message) bool {
	return a.Role == message.RoleUser && b.Role == message.RoleUser &&
		a.AuthorID == b.AuthorID && a.Content == b.Content
}

// hasClientID reports whether an optimistic row carries the id the server will persist it under.
func hasClientID(m *message.Message) bool {
	return isOptimistic(m) && !idgen.IsTempID(m.ID)
}

func isOptimistic(m *message.Message) bool {
	return m.Metadata.Bool(message.MetaIsOptimistic)
}

func within(a, b time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func indexOf(rows []*message.Message, id string) int {
	for i, row := range rows {
		if row.ID == id {
			return i
		}
	}
	return -1
}

func removeID(rows []*message.Message, id string) []*message.Message {
	i := indexOf(rows, id)
	if i < 0 {
		return rows
	}
	return append(rows[:i], rows[i+1:]...)
}
