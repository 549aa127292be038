package eventlogger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Worker struct {
	eventCh chan Event
	store   EventLogger
	log     zerolog.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(store EventLogger, bufferSize int, log zerolog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventCh: make(chan Event, bufferSize),
		store:   store,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start saves queued events until Shutdown. Saves are not cancelled by
// Shutdown, so an event taken off the queue is always written.
func (w *Worker) Start() {
	saveCtx := context.WithoutCancel(w.ctx)
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				w.log.Info().Int("remaining_events", len(w.eventCh)).Msg("draining events before shutdown")
				for len(w.eventCh) > 0 {
					event := <-w.eventCh
					if err := w.store.Save(saveCtx, event); err != nil {
						w.log.Error().Err(err).Str("event_type", event.Type).Msg("failed to save event during shutdown")
					}
				}
				return
			case event := <-w.eventCh:
				if err := w.store.Save(saveCtx, event); err != nil {
					w.log.Error().Err(err).Str("event_type", event.Type).Msg("failed to save event")
				}
			}
		}
	})
}

// Log queues the event. It never blocks: when the buffer is full the event is
// dropped and counted.
func (w *Worker) Log(event Event) {
	select {
	case w.eventCh <- event:
	default:
		w.dropped.Add(1)
		w.log.Warn().Str("event_type", event.Type).Msg("event channel full, dropping event")
	}
}

func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// Recent reads back saved events of one type.
func (w *Worker) Recent(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return w.store.GetByType(ctx, eventType, limit)
}

func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
