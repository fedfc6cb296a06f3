// Package jobs moves cache invalidation onto an asynq queue so the API
// process never blocks on large purges.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/briangreenhill/kibble/internal/hooks"
)

const (
	maxRetry    = 3
	taskTimeout = 2 * time.Minute
)

// enqueuer is the subset of *asynq.Client used here.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer dispatches invalidation events to the worker.
type Enqueuer struct {
	client enqueuer
	log    zerolog.Logger
}

var _ hooks.Dispatcher = (*Enqueuer)(nil)

func NewEnqueuer(client enqueuer, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		client: client,
		log:    logger.With().Str("component", "jobs").Logger(),
	}
}

// NewTask builds the asynq task for ev.
func NewTask(ev hooks.Event, p hooks.Payload) (*asynq.Task, error) {
	typ, ok := taskForEvent[ev]
	if !ok {
		return nil, zerr.With(zerr.Wrap(hooks.ErrUnknownEvent, "build task"), "event", string(ev))
	}
	body, err := json.Marshal(InvalidationPayload{Event: ev, Payload: p})
	if err != nil {
		return nil, zerr.Wrap(err, "encode task payload")
	}
	return asynq.NewTask(typ, body), nil
}

// Dispatch enqueues ev for the worker.
func (e *Enqueuer) Dispatch(ctx context.Context, ev hooks.Event, p hooks.Payload) error {
	task, err := NewTask(ev, p)
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(QueueInvalidation),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "enqueue invalidation"), "task", task.Type())
	}
	e.log.Info().Str("task_id", info.ID).Str("task", task.Type()).Str("queue", info.Queue).Msg("invalidation enqueued")
	return nil
}

// Register installs a handler for every cache task on mux.
func Register(mux *asynq.ServeMux, d hooks.Dispatcher, logger zerolog.Logger) {
	log := logger.With().Str("component", "worker").Logger()
	for _, typ := range taskForEvent {
		mux.HandleFunc(typ, handler(d, log))
	}
}

func handler(d hooks.Dispatcher, log zerolog.Logger) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var p InvalidationPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Str("task", t.Type()).Msg("bad payload, dropping task")
			return zerr.Wrap(asynq.SkipRetry, "decode payload")
		}

		start := time.Now()
		if err := d.Dispatch(ctx, p.Event, p.Payload); err != nil {
			log.Warn().Err(err).Str("task", t.Type()).Dur("duration", time.Since(start)).Msg("invalidation failed")
			return err
		}
		log.Info().Str("task", t.Type()).Int64("entity_id", p.Payload.EntityID).Dur("duration", time.Since(start)).Msg("invalidation done")
		return nil
	}
}
