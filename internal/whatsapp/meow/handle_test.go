package meow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagateway/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func noJID() string { return "" }

func TestTranslatePairing(t *testing.T) {
	jid := types.NewJID("15550001234", types.DefaultUserServer)
	ev, ok := translate(&events.PairSuccess{ID: jid}, noJID)
	require.True(t, ok)
	assert.Equal(t, whatsapp.EventAuthenticated, ev.Kind)
	assert.Equal(t, jid.String(), ev.SessionData)

	ev, ok = translate(&events.Connected{}, func() string { return jid.String() })
	require.True(t, ok)
	assert.Equal(t, whatsapp.EventReady, ev.Kind)
	assert.Equal(t, jid.String(), ev.SessionData)
}

func TestTranslateDisconnects(t *testing.T) {
	tests := []struct {
		name   string
		evt    interface{}
		reason whatsapp.DisconnectReason
	}{
		{"logged out", &events.LoggedOut{}, whatsapp.ReasonLoggedOut},
		{"replaced", &events.StreamReplaced{}, whatsapp.ReasonReplaced},
		{"dropped", &events.Disconnected{}, whatsapp.ReasonConnectionLost},
		{"connect failure logout", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, whatsapp.ReasonLoggedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := translate(tt.evt, noJID)
			require.True(t, ok)
			assert.Equal(t, whatsapp.EventDisconnected, ev.Kind)
			assert.Equal(t, tt.reason, ev.Reason)
		})
	}
}

func TestTranslateFailures(t *testing.T) {
	for _, evt := range []interface{}{
		&events.ConnectFailure{Reason: events.ConnectFailureReason(503), Message: "service unavailable"},
		&events.ClientOutdated{},
		&events.TemporaryBan{Code: events.TempBanSentToTooManyPeople, Expire: time.Hour},
	} {
		ev, ok := translate(evt, noJID)
		require.True(t, ok)
		assert.Equal(t, whatsapp.EventAuthFailure, ev.Kind)
		assert.Error(t, ev.Err)
	}
}

func TestTranslateReceipts(t *testing.T) {
	at := time.Now()
	ev, ok := translate(&events.Receipt{
		MessageIDs: []types.MessageID{"3EB0A", "3EB0B"},
		Timestamp:  at,
		Type:       types.ReceiptTypeDelivered,
	}, noJID)
	require.True(t, ok)
	assert.Equal(t, whatsapp.EventDelivered, ev.Kind)
	assert.Equal(t, []string{"3EB0A", "3EB0B"}, ev.RemoteIDs)
	assert.Equal(t, at, ev.At)

	_, ok = translate(&events.Receipt{MessageIDs: []types.MessageID{"3EB0A"}, Type: types.ReceiptTypeRead}, noJID)
	assert.False(t, ok)

	_, ok = translate(&events.Message{}, noJID)
	assert.False(t, ok)
}

func TestDisconnectWithin(t *testing.T) {
	calls := 0
	require.NoError(t, disconnectWithin(context.Background(), func() { calls++ }))
	assert.Equal(t, 1, calls)

	// a disconnect stuck behind a dial gives up at the deadline
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := disconnectWithin(ctx, func() { <-release })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
