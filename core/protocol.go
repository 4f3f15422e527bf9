package core

import (
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the current wire protocol version (§6). Minor
// mismatches are accepted; a major mismatch is rejected.
const ProtocolVersion = "1.0"

// MessageType is the string-tagged wire message kind (§4.2, §6).
type MessageType string

const (
	MsgSyncRequest  MessageType = "sync_request"
	MsgSyncResponse MessageType = "sync_response"
	MsgDataChunk    MessageType = "data_chunk"
	MsgChunkAck     MessageType = "chunk_ack"
	MsgSyncComplete MessageType = "sync_complete"
	MsgError        MessageType = "error"
)

// SyncMode controls which Events/EditHistories are exchanged and in
// which direction (§4.2).
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModePull        SyncMode = "pull"
	ModePush        SyncMode = "push"
)

// Envelope carries the fields every message shares (§6).
type Envelope struct {
	ProtocolVersion string      `json:"protocol_version"`
	MessageType     MessageType `json:"message_type"`
	Timestamp       time.Time   `json:"timestamp"`
	DeviceID        string      `json:"device_id"`
}

// SyncRequestMsg is emitted by the initiator on Idle -> Requested.
type SyncRequestMsg struct {
	Envelope
	SyncMode          SyncMode   `json:"sync_mode"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp,omitempty"`
	EntityTypes       []EntityType `json:"entity_types"`
}

// SyncResponseMsg answers a SyncRequestMsg.
type SyncResponseMsg struct {
	Envelope
	Accepted      bool    `json:"accepted"`
	TotalChunks   *int    `json:"total_chunks,omitempty"`
	EstimatedSize *int64  `json:"estimated_size,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// DataChunkMsg carries one Chunk on the wire, base64-encoded per §6.
type DataChunkMsg struct {
	Envelope
	ChunkIndex  int        `json:"chunk_index"`
	TotalChunks int        `json:"total_chunks"`
	EntityType  EntityType `json:"entity_type"`
	Compressed  bool       `json:"compressed"`
	Payload     []byte     `json:"payload"` // json marshals []byte as base64
	Checksum    string     `json:"checksum"`
}

// ChunkAckMsg acknowledges (or NACKs) a DataChunkMsg by index.
type ChunkAckMsg struct {
	Envelope
	ChunkIndex   int     `json:"chunk_index"`
	Received     bool    `json:"received"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// EventBatch is the §6 wire container for a set of Events.
type EventBatch struct {
	Events []Event `json:"events"`
}

// EditHistoryBatch is the §6 wire container for a set of EditHistory
// records. Version gates which import strategy step 5 of §4.5 uses:
// "1.1" selects the causal HistoryMerger, anything else falls back to a
// simple per-record upsert with no causal ordering; duplicates collapse
// only through the store's (id, device_id) key.
type EditHistoryBatch struct {
	Version               string        `json:"version"`
	SortedChronologically bool          `json:"sorted_chronologically"`
	Records               []EditHistory `json:"records"`
}

// FamilyDeviceBatch is the §6 wire container for a set of FamilyDevices.
type FamilyDeviceBatch struct {
	Devices []FamilyDevice `json:"devices"`
}

// HistoryMergeProtocolVersion is the EditHistoryBatch.version that
// enables the causal merger (§4.4, §6).
const HistoryMergeProtocolVersion = "1.1"

// syncBatchPayload is the wire shape carried inside data_chunk payloads
// for a whole events+history exchange (§4.5 steps 3-4).
type syncBatchPayload struct {
	Events  EventBatch       `json:"event_batch"`
	History EditHistoryBatch `json:"history_batch"`
}

// SyncCompleteMsg is emitted by the initiator on Finalizing -> Done.
type SyncCompleteMsg struct {
	Envelope
	Successful        bool      `json:"successful"`
	ChunksReceived    int       `json:"chunks_received"`
	EntitiesProcessed int       `json:"entities_processed"`
	Conflicts         int       `json:"conflicts"`
	SyncTimestamp     time.Time `json:"sync_timestamp"`
}

// ErrorMsg terminates both sides of an exchange.
type ErrorMsg struct {
	Envelope
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// InitiatorState enumerates the initiator side of the protocol FSM
// (§4.2).
type InitiatorState string

const (
	InitIdle             InitiatorState = "idle"
	InitRequested        InitiatorState = "requested"
	InitAwaiting         InitiatorState = "awaiting"
	InitTransferringOut  InitiatorState = "transferring_out"
	InitTransferringIn   InitiatorState = "transferring_in"
	InitFinalizing       InitiatorState = "finalizing"
	InitDone             InitiatorState = "done"
	InitFailed           InitiatorState = "failed"
)

// ResponderState enumerates the responder side of the protocol FSM
// (§4.2).
type ResponderState string

const (
	RespIdle       ResponderState = "idle"
	RespEvaluating ResponderState = "evaluating"
	RespAccepted   ResponderState = "accepted"
	RespRejected   ResponderState = "rejected"
	RespReceiving  ResponderState = "receiving"
	RespSending    ResponderState = "sending"
	RespFinalizing ResponderState = "finalizing"
	RespDone       ResponderState = "done"
	RespFailed     ResponderState = "failed"
)

// FailureReason records why a Failed state was entered.
type FailureReason struct {
	RemoteRejected string
	RemoteCode     int
	RemoteMessage  string
	Canceled       bool
}

// CheckProtocolVersion implements §4.2's version gate: the major
// component must match exactly; minor mismatches are accepted.
func CheckProtocolVersion(local, remote string) error {
	lm, _, lok := splitVersion(local)
	rm, _, rok := splitVersion(remote)
	if !lok || !rok {
		return &ProtocolError{Kind: ProtocolVersionMismatch, Message: "malformed protocol_version"}
	}
	if lm != rm {
		return &ProtocolError{Kind: ProtocolVersionMismatch, Message: "major protocol_version mismatch"}
	}
	return nil
}

func splitVersion(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var err error
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
