package orchestrate

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry keeps test retries in the millisecond range.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// bookingDef is the three-step fixture used across tests: reserve a room,
// charge the card, send a confirmation. The confirmation has no external
// effect to undo.
func bookingDef(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition("trip-booking", []Step{
		{Name: "reserve-room", Forward: "hotel.reserve", Compensate: "hotel.release", Retry: fastRetry(2)},
		{Name: "charge-card", Forward: "payments.charge", Compensate: "payments.refund", Retry: fastRetry(2)},
		{Name: "send-confirmation", Forward: "mail.confirm", Retry: fastRetry(2)},
	})
	require.NoError(t, err)
	return def
}

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}
