package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueMessage is one message read from the queue extension. Reading hides
// the message from other readers until VisibleAt.
type QueueMessage struct {
	MsgID      int64           `json:"msg_id"`
	ReadCount  int             `json:"read_ct"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VisibleAt  time.Time       `json:"vt"`
	Payload    json.RawMessage `json:"message"`
}

// WorkPayload is the message body enqueued for each ready work item.
type WorkPayload struct {
	WorkItemID uuid.UUID       `json:"work_item_id"`
	WorkType   string          `json:"work_type"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// DecodeWorkPayload parses a queue message body. The work_item_id is the
// only required field.
func DecodeWorkPayload(raw json.RawMessage) (*WorkPayload, error) {
	var p WorkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.WorkItemID == uuid.Nil {
		return nil, errMissingWorkItemID
	}
	return &p, nil
}

var errMissingWorkItemID = &payloadError{"queue payload missing work_item_id"}

type payloadError struct{ msg string }

func (e *payloadError) Error() string { return e.msg }
