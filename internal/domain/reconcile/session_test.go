package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/domain/message"
)

type recordingSnapshotter struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recordingSnapshotter) Snapshot(ctx context.Context, snapshot Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

type sessionHarness struct {
	session *Session
	timers  *manualTimers
	snaps   *recordingSnapshotter
	now     time.Time
	changes int
}

func newSessionHarness(t *testing.T, withSnapshots bool) *sessionHarness {
	t.Helper()
	h := &sessionHarness{timers: &manualTimers{}, now: base}
	var snapshotter Snapshotter
	if withSnapshots {
		h.snaps = &recordingSnapshotter{}
		snapshotter = h.snaps
	}
	h.session = NewSession(SessionConfig{
		AuthorID:         "student-1",
		TutorID:          "tutor-1",
		RoomID:           "room-1",
		InstanceID:       "inst-1",
		InactivityWindow: 10 * time.Minute,
		OnChange:         func([]*message.Message) { h.changes++ },
		After:            h.timers.After,
		Now:              func() time.Time { return h.now },
	}, snapshotter, zerolog.Nop())
	return h
}

func TestSession_SubmitThenConfirm(t *testing.T) {
	h := newSessionHarness(t, false)

	echo := h.session.Submit("why is the sky blue?")
	require.True(t, echo.Metadata.Bool(message.MetaIsOptimistic))
	assert.Equal(t, []string{echo.ID}, ids(h.session.Transcript()))

	confirmed := userRow("m1", "why is the sky blue?", time.Second, false)
	h.session.ApplyEvent(message.NewEvent(message.EventInserted, confirmed))

	assert.Equal(t, []string{"m1"}, ids(h.session.Transcript()))
	assert.Equal(t, 2, h.changes)
}

func TestSession_StreamLifecycle(t *testing.T) {
	h := newSessionHarness(t, false)

	pending := h.session.BeginStream()
	assert.Equal(t, StreamPending, pending.Status)
	assert.Equal(t, []string{pending.TempID}, ids(h.session.Transcript()))

	h.session.StreamStarted(&message.Message{ID: "a1", CreatedAt: base})
	assert.Equal(t, []string{"a1"}, ids(h.session.Transcript()))

	h.session.StreamDelta("Hel")
	h.session.StreamDelta("lo")
	require.Equal(t, 1, h.timers.Fire())

	transcript := h.session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "Hello", transcript[0].Content)
	assert.True(t, transcript[0].Metadata.Bool(message.MetaIsStreaming))
	assert.Equal(t, StreamStreaming, h.session.Stream().Status)

	final := &message.Message{ID: "a1", Role: message.RoleAssistant, Content: "Hello.", CreatedAt: base, Metadata: message.Metadata{}}
	h.session.StreamCompleted(final)

	transcript = h.session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "Hello.", transcript[0].Content)
	assert.False(t, transcript[0].Metadata.Bool(message.MetaIsStreaming))
	assert.Nil(t, h.session.Stream())
}

func TestSession_StreamFailed(t *testing.T) {
	t.Run("partial content stays visible", func(t *testing.T) {
		h := newSessionHarness(t, false)
		h.session.BeginStream()
		h.session.StreamStarted(&message.Message{ID: "a1", CreatedAt: base})
		h.session.StreamDelta("Half an ans")

		h.session.StreamFailed("The tutor is in high demand right now. Please try again shortly.")

		transcript := h.session.Transcript()
		require.Len(t, transcript, 1)
		assert.Equal(t, "Half an ans", transcript[0].Content)
		assert.True(t, transcript[0].Metadata.Bool(message.MetaInterrupted))
		assert.False(t, transcript[0].Metadata.Bool(message.MetaIsStreaming))
		assert.Nil(t, h.session.Stream())
	})

	t.Run("no content removes the row", func(t *testing.T) {
		h := newSessionHarness(t, false)
		h.session.BeginStream()
		h.session.StreamFailed("interrupted")

		assert.Empty(t, h.session.Transcript())
	})
}

func TestSession_InactivitySnapshotOncePerIdlePeriod(t *testing.T) {
	h := newSessionHarness(t, true)

	h.session.Submit("what is a cell?")
	h.session.Apply(Batch{Upserts: []*message.Message{
		userRow("m1", "what is a cell?", time.Second, false),
		{ID: "a1", Role: message.RoleAssistant, Content: "The unit of life.", CreatedAt: base.Add(2 * time.Second)},
	}})

	h.now = base.Add(10 * time.Minute)
	require.Equal(t, 1, h.timers.Fire())
	require.Len(t, h.snaps.snapshots, 1)
	first := h.snaps.snapshots[0]
	assert.Equal(t, []string{"m1", "a1"}, ids(first.Messages))
	assert.Equal(t, base, first.StartedAt)
	assert.Equal(t, "tutor-1", first.TutorID)

	// assistant rows alone do not start a new idle period
	h.session.Apply(Batch{Upserts: []*message.Message{
		{ID: "a2", Role: message.RoleAssistant, Content: "More detail.", CreatedAt: base.Add(3 * time.Minute)},
	}})
	assert.Equal(t, 0, h.timers.Fire())
	assert.Len(t, h.snaps.snapshots, 1)

	h.now = base.Add(11 * time.Minute)
	h.session.Submit("and a tissue?")
	h.session.Apply(Batch{Upserts: []*message.Message{
		userRow("m2", "and a tissue?", 11*time.Minute+time.Second, false),
	}})
	h.now = base.Add(25 * time.Minute)
	require.Equal(t, 1, h.timers.Fire())

	require.Len(t, h.snaps.snapshots, 2)
	assert.Equal(t, []string{"m2"}, ids(h.snaps.snapshots[1].Messages))
}

func TestSession_UserActivityResetsTimer(t *testing.T) {
	h := newSessionHarness(t, true)

	h.session.Submit("one")
	h.session.Submit("two")
	h.session.Apply(Batch{Upserts: []*message.Message{
		userRow("m1", "one", time.Second, false),
		userRow("m2", "two", 2*time.Second, false),
	}})

	assert.Equal(t, 1, h.timers.Armed())
	h.now = base.Add(time.Hour)
	require.Equal(t, 1, h.timers.Fire())
	require.Len(t, h.snaps.snapshots, 1)
	assert.Equal(t, []string{"m1", "m2"}, ids(h.snaps.snapshots[0].Messages))
}

func TestSession_CloseStopsIdleTimer(t *testing.T) {
	h := newSessionHarness(t, true)
	h.session.Submit("bye")
	h.session.Close()

	assert.Equal(t, 0, h.timers.Fire())
	assert.Empty(t, h.snaps.snapshots)
}
