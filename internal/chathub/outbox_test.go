package chathub_test

import (
	"testing"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, event, room string) chathub.Frame {
	t.Helper()
	f, err := chathub.NewFrame(event, room, "", map[string]string{"room": room})
	require.NoError(t, err)
	return f
}

func events(frames []chathub.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestOutbox_PreservesOrder(t *testing.T) {
	o := chathub.NewOutbox(4)
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventReaction, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventMessageDeleted, "g1")))

	select {
	case <-o.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	assert.Equal(t, []string{models.EventMessage, models.EventReaction, models.EventMessageDeleted}, events(o.Drain()))
	assert.Nil(t, o.Drain())
}

func TestOutbox_EvictsOldestTypingWhenFull(t *testing.T) {
	o := chathub.NewOutbox(3)
	require.NoError(t, o.Push(frame(t, models.EventTyping, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventTyping, "g2")))

	require.NoError(t, o.Push(frame(t, models.EventReaction, "g1")))

	frames := o.Drain()
	assert.Equal(t, []string{models.EventMessage, models.EventTyping, models.EventReaction}, events(frames))
	assert.Equal(t, "g2", frames[1].Room)
}

func TestOutbox_DropsIncomingTypingWhenNothingEvictable(t *testing.T) {
	o := chathub.NewOutbox(2)
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))

	err := o.Push(frame(t, models.EventTyping, "g1"))

	assert.ErrorIs(t, err, chathub.ErrFrameDropped)
	assert.Equal(t, 2, o.Len())
}

func TestOutbox_NeverDropsCriticalFramesBelowHardLimit(t *testing.T) {
	o := chathub.NewOutbox(2)
	for i := 0; i < 8; i++ {
		require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")), "frame %d", i)
	}

	err := o.Push(frame(t, models.EventMessage, "g1"))

	assert.ErrorIs(t, err, chathub.ErrOutboxOverflow)
	assert.Equal(t, 8, o.Len())
}

func TestOutbox_CoalescesUserStatusPerRoom(t *testing.T) {
	o := chathub.NewOutbox(8)
	require.NoError(t, o.Push(frame(t, models.EventUserStatus, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventUserStatus, "g2")))
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))
	require.NoError(t, o.Push(frame(t, models.EventUserStatus, "g1")))

	frames := o.Drain()

	require.Len(t, frames, 3)
	assert.Equal(t, "g2", frames[0].Room)
	assert.Equal(t, models.EventMessage, frames[1].Event)
	assert.Equal(t, models.EventUserStatus, frames[2].Event)
	assert.Equal(t, "g1", frames[2].Room)
}

func TestOutbox_ClosedRejectsPush(t *testing.T) {
	o := chathub.NewOutbox(2)
	require.NoError(t, o.Push(frame(t, models.EventMessage, "g1")))
	o.Close()

	assert.ErrorIs(t, o.Push(frame(t, models.EventMessage, "g1")), chathub.ErrOutboxClosed)
	assert.Len(t, o.Drain(), 1, "pending frames stay drainable")
}

func TestSession_DeliverAfterCloseIsDiscarded(t *testing.T) {
	s := chathub.NewSession(chathub.Identity{UserID: "A"}, 4, nil, nil)
	assert.Equal(t, chathub.StateConnecting, s.State())
	s.MarkJoined()
	assert.Equal(t, chathub.StateJoined, s.State())

	assert.True(t, s.Deliver(frame(t, models.EventMessage, "g1")))
	assert.True(t, s.Close())
	assert.False(t, s.Close())

	assert.False(t, s.Deliver(frame(t, models.EventMessage, "g1")))
	s.MarkJoined()
	assert.Equal(t, chathub.StateDisconnected, s.State())
	assert.Equal(t, 1, s.Outbox().Len())
}

func TestSession_OverflowTriggersCallbackOnce(t *testing.T) {
	s := chathub.NewSession(chathub.Identity{UserID: "A"}, 1, nil, nil)
	calls := make(chan struct{}, 4)
	s.OnOverflow(func() { calls <- struct{}{} })

	for i := 0; i < 4; i++ {
		assert.True(t, s.Deliver(frame(t, models.EventMessage, "g1")))
	}
	assert.False(t, s.Deliver(frame(t, models.EventMessage, "g1")))
	assert.False(t, s.Deliver(frame(t, models.EventMessage, "g1")))

	<-calls
	assert.Len(t, calls, 0)
}

func TestErrorFrameCarriesCodeAndRequestID(t *testing.T) {
	f := chathub.ErrorFrame("req-7", models.EventMessage, chathub.ErrEmptyMessage)
	o := chathub.NewOutbox(1)
	require.NoError(t, o.Push(f))

	env := decodeEnvelope(t, o.Drain()[0])
	assert.Equal(t, models.EventError, env.Event)
	assert.Equal(t, "req-7", env.RequestID)
	e := decodeData[models.ErrorEvent](t, env)
	assert.Equal(t, chathub.CodeEmptyMessage, e.Code)
	assert.Equal(t, models.EventMessage, e.Event)
}
