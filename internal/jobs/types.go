package jobs

import "github.com/briangreenhill/kibble/internal/hooks"

const (
	TaskEntitySaved      = "cache:entity_saved"
	TaskEntityDeleted    = "cache:entity_deleted"
	TaskFrontPageChanged = "cache:front_page_changed"
	TaskFlush            = "cache:flush"

	// QueueInvalidation carries every cache task.
	QueueInvalidation = "invalidation"
)

var taskForEvent = map[hooks.Event]string{
	hooks.EventEntitySaved:      TaskEntitySaved,
	hooks.EventEntityDeleted:    TaskEntityDeleted,
	hooks.EventFrontPageChanged: TaskFrontPageChanged,
	hooks.EventFlush:            TaskFlush,
}

// InvalidationPayload is the JSON body of every cache task.
type InvalidationPayload struct {
	Event   hooks.Event   `json:"event"`
	Payload hooks.Payload `json:"payload"`
}
