// Long-lived subscription to the ledger's push stream. The stream carries
// {"event": kind, "data": json-string} envelopes; the listener decodes them
// and dispatches to the coordinator. Connection loss is retried with a fixed
// backoff forever; only the very first dial failing is fatal.

package agg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	eventRoundStarted     = "ROUND_STARTED"
	eventModelUploaded    = "MODEL_UPLOADED"
	eventStartAggregation = "START_AGGREGATION" // legacy

	defaultReconnectBackoff = 5 * time.Second
)

// eventEnvelope is the outer wire frame. ROUND_STARTED and MODEL_UPLOADED
// carry their fields in Data as a nested JSON string; the legacy
// START_AGGREGATION command carries round_id and submissions at top level.
type eventEnvelope struct {
	Event       string            `json:"event"`
	Data        string            `json:"data"`
	RoundID     string            `json:"round_id"`
	Submissions map[string]string `json:"submissions"`
}

type roundStartedData struct {
	RoundID     string `json:"round_id"`
	Initiator   string `json:"initiator"`
	Description string `json:"description"`
}

type modelUploadedData struct {
	RoundID  string `json:"round_id"`
	BankID   string `json:"bank_id"`
	ModelURI string `json:"model_uri"`
}

// Listener subscribes to the event stream and feeds the coordinator.
type Listener struct {
	url     string
	coord   *Coordinator
	backoff time.Duration // delay between reconnect attempts
}

// NewListener creates a listener for the stream at url.
func NewListener(url string, coord *Coordinator) *Listener {
	return &Listener{url: url, coord: coord, backoff: defaultReconnectBackoff}
}

// Run connects and consumes events until ctx is cancelled. The bootstrap
// dial failing is returned as an error (fail fast); every later disconnect
// reconnects after a fixed backoff.
func (l *Listener) Run(ctx context.Context) error {
	first := true
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			if first {
				return fmt.Errorf("listener: connect %s: %w", l.url, err)
			}
			logrus.Errorf("❌ [AGGREGATOR] WebSocket error: %v. Retrying in %s...", err, l.backoff)
			if !sleepCtx(ctx, l.backoff) {
				return ctx.Err()
			}
			continue
		}
		first = false
		logrus.Infof("🔓 [AGGREGATOR] WebSocket connection established")

		l.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.Infof("🔒 [AGGREGATOR] WebSocket connection closed. Attempting to reconnect in %s...", l.backoff)
		if !sleepCtx(ctx, l.backoff) {
			return ctx.Err()
		}
	}
}

// readLoop consumes messages until the connection drops or ctx is cancelled.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logrus.Errorf("❌ [AGGREGATOR] WebSocket read error: %v", err)
			}
			return
		}
		l.handleMessage(ctx, payload)
	}
}

// handleMessage decodes one envelope and dispatches it. Parse failures are
// logged and dropped; they never kill the listener.
func (l *Listener) handleMessage(ctx context.Context, payload []byte) {
	logrus.Infof("📝 [AGGREGATOR] Received WebSocket message: %s", string(payload))

	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to parse WebSocket message: %v", err)
		return
	}

	switch env.Event {
	case eventRoundStarted:
		var data roundStartedData
		if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
			logrus.Errorf("❌ [AGGREGATOR] Failed to parse ROUND_STARTED data: %v", err)
			return
		}
		l.coord.HandleRoundStarted(orFreshRoundID(data.RoundID), data.Initiator, data.Description)

	case eventModelUploaded:
		var data modelUploadedData
		if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
			logrus.Errorf("❌ [AGGREGATOR] Failed to parse MODEL_UPLOADED data: %v", err)
			return
		}
		logrus.Infof("📬 [AGGREGATOR] Model uploaded for round %s by %s: %s", data.RoundID, data.BankID, data.ModelURI)
		l.coord.HandleSubmission(ctx, orFreshRoundID(data.RoundID), data.BankID, data.ModelURI)

	case eventStartAggregation:
		l.coord.HandleLegacyAggregation(ctx, orFreshRoundID(env.RoundID), env.Submissions)

	default:
		logrus.Warnf("⚠️ [AGGREGATOR] Unknown event %q dropped", env.Event)
	}
}

// orFreshRoundID keys events that arrive without a round ID under a fresh
// one instead of losing them.
func orFreshRoundID(roundID string) string {
	if roundID != "" {
		return roundID
	}
	generated := "round-" + uuid.NewString()
	logrus.Warnf("⚠️ [AGGREGATOR] Event without round_id, tracking as %s", generated)
	return generated
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
