package telephony

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Handler is invoked once per decoded event, already serialized per the
// Sequencer's key: it never runs concurrently with another event sharing
// its key, though it may run concurrently with events for a different key.
type Handler func(Event)

// Consumer holds the event-stream subscription (C2) open for the
// lifetime of ctx, reconnecting with exponential backoff on any
// disconnect.
type Consumer struct {
	wsURL   string
	appName string
	logger  *slog.Logger
	handle  Handler
	seq     *Sequencer
}

// NewConsumer builds an event-stream consumer. keyFunc resolves each
// event's serialization key (for the orchestrator, the customer channel id
// of the session it belongs to); handle is invoked once per event, never concurrently with
// another event sharing the same key.
func NewConsumer(wsURL, appName string, logger *slog.Logger, keyFunc KeyFunc, handle Handler) *Consumer {
	c := &Consumer{wsURL: wsURL, appName: appName, logger: logger, handle: handle}
	c.seq = NewSequencer(keyFunc, c.dispatch)
	return c
}

// Run blocks until ctx is cancelled, maintaining the subscription across
// reconnects.
func (c *Consumer) Run(ctx context.Context) {
	b := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runOnce(ctx, b)
		if ctx.Err() != nil {
			return
		}

		delay := b.next()
		c.logger.Error("event stream disconnected, reconnecting",
			"error", err,
			"attempt", b.attempt,
			"retry_in", delay.String(),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context, b *backoff) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL+"?app="+c.appName, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("event stream connected", "url", c.wsURL)
	b.reset()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.logger.Warn("dropping unparseable event", "error", err)
			continue
		}
		if !recognised(evt.Kind) {
			c.logger.Debug("dropping unrecognised event kind", "kind", evt.Kind)
			continue
		}

		// Queued on its key's worker so one session's blocking telephony
		// calls (e.g. answering a new channel) never stall the read loop
		// for every other session's events, while events sharing a key
		// still run one at a time, in order (spec.md §4.2, §5, §7).
		c.seq.Dispatch(evt)
	}
}

func (c *Consumer) dispatch(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked, event dropped", "panic", r, "kind", evt.Kind)
		}
	}()
	c.handle(evt)
}

func recognised(k EventKind) bool {
	switch k {
	case EventNewChannel, EventChannelStateChange, EventChannelHangupReq,
		EventChannelDestroyed, EventPlaybackStarted, EventPlaybackFinished,
		EventRecordingFinished, EventRecordingFailed, EventDial:
		return true
	default:
		return false
	}
}
