// ABOUTME: Bus subscriber that drains lifecycle events into the SQLite ledger.
// ABOUTME: Runs one goroutine per topic; recording failures are logged, never fatal.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/batonhq/baton/internal/bus"
)

// recordedTopics is the set of topics the recorder persists.
var recordedTopics = []bus.Topic{
	bus.TopicAgentCreated,
	bus.TopicAgentRemoved,
	bus.TopicAgentStatus,
	bus.TopicTaskCreated,
	bus.TopicTaskAssigned,
	bus.TopicTaskComplete,
	bus.TopicTaskFailed,
	bus.TopicTaskBlocked,
}

// Recorder subscribes to lifecycle topics and writes each event to the
// ledger. It observes the bus; it never sits in the publish path.
type Recorder struct {
	ledger *Ledger
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder starts recording events from b into ledger. Call Stop to
// shut it down.
func NewRecorder(b *bus.Bus, ledger *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		ledger: ledger,
		logger: logger.With("component", "recorder"),
		cancel: cancel,
	}
	for _, topic := range recordedTopics {
		ch, _ := b.Subscribe(ctx, topic)
		r.wg.Add(1)
		go r.drain(ctx, ch)
	}
	return r
}

func (r *Recorder) drain(ctx context.Context, ch <-chan bus.Event) {
	defer r.wg.Done()
	for ev := range ch {
		if err := r.record(ctx, ev); err != nil {
			r.logger.Warn("failed to record event", "topic", string(ev.Topic), "error", err)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) error {
	subject, _ := ev.Payload.(string)
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	event := &Event{
		Topic:     string(ev.Topic),
		SubjectID: subject,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	}
	if err := r.ledger.SaveEvent(ctx, event); err != nil {
		// Drains run one per topic, so writes can contend. One retry rides
		// out a transient lock before the event is given up as lost.
		r.logger.Debug("retrying event save", "topic", string(ev.Topic), "error", err)
		event.ID = ""
		return r.ledger.SaveEvent(ctx, event)
	}
	return nil
}

// Stop cancels the subscriptions and waits for in-flight writes.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
}
