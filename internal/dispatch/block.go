package dispatch

import "time"

// Reason codes recorded on a dispatch-block event.
const (
	ReasonInvalidDispatchPayload = "invalid_dispatch_payload"
	ReasonUnauthorizedSourceLane = "unauthorized_source_lane"
	ReasonTargetAuthFailed       = "target_authorization_failed"
	ReasonDuplicateRunID         = "duplicate_run_id"
)

// BlockEvent is the durable record of a refused dispatch. The IPC gate writes
// one JSON file per refusal under the source lane's errors directory.
type BlockEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	SourceGroup  string    `json:"source_group"`
	SourceJID    string    `json:"source_jid,omitempty"`
	TargetJID    string    `json:"target_jid"`
	TargetFolder string    `json:"target_folder,omitempty"`
	ReasonCode   string    `json:"reason_code"`
	ReasonText   string    `json:"reason_text"`
	RunID        string    `json:"run_id,omitempty"`
}

// NewBlockEvent stamps a refusal record with the current time.
func NewBlockEvent(sourceGroup, targetJID, reasonCode, reasonText string) BlockEvent {
	return BlockEvent{
		Timestamp:   time.Now().UTC(),
		SourceGroup: sourceGroup,
		TargetJID:   targetJID,
		ReasonCode:  reasonCode,
		ReasonText:  reasonText,
	}
}
