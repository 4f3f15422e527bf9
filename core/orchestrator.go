package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OrchestratorConfig carries the tunables §4.5/§5 leave configurable.
// Plain durations/counts rather than a pkg/config.Config value, so core
// has no dependency on the config package; cmd/familysync is what wires
// one into the other.
type OrchestratorConfig struct {
	ChunkAckTimeout  time.Duration
	WallClockTimeout time.Duration
	MaxChunkRetries  int
	MaxRetryAttempts int
	Window           int
	Resolution       ResolutionConfig
}

// DefaultOrchestratorConfig mirrors pkg/config.Default's values so a
// caller that skips config loading entirely still gets sane behavior.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ChunkAckTimeout:  5 * time.Second,
		WallClockTimeout: 60 * time.Second,
		MaxChunkRetries:  3,
		MaxRetryAttempts: 3,
		Window:           8,
		Resolution:       ResolutionConfig{Global: PreferManual, PreserveDeletedFields: true},
	}
}

// SyncOutcome is the orchestrator's result for one exchange (§4.5).
type SyncOutcome struct {
	Successful        bool
	ChunksReceived    int
	EntitiesProcessed int
	Conflicts         int
	DetailedConflicts []DetailedConflict
	SyncTimestamp     time.Time
}

// Orchestrator drives one peer-to-peer exchange end to end (C5). It is a
// plain value wired by the caller, not a singleton, per the §9 redesign
// note: construct one per replica and reuse it across syncs.
type Orchestrator struct {
	Store      Store
	Dialer     Dialer
	LocalID    string
	Merge      *MergeEngine
	History    *HistoryMerger
	Conflicts  *ConflictDetector
	Compressor Compressor
	Config     OrchestratorConfig
	Metrics    *Metrics
	Logger     *logrus.Logger
	Now        func() time.Time

	mu          sync.Mutex
	inProgress  map[string]bool
	progress    map[string]float64
	cancelFuncs map[string]context.CancelFunc
}

// NewOrchestrator wires an Orchestrator from its collaborators. A nil
// logger falls back to logrus's standard logger, matching the rest of
// the package's constructor style; the Now clock is set to time.Now.
func NewOrchestrator(store Store, dialer Dialer, localID string, cfg OrchestratorConfig, metrics *Metrics, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		Store:       store,
		Dialer:      dialer,
		LocalID:     localID,
		Merge:       NewMergeEngine(nil),
		History:     NewHistoryMerger(logger),
		Conflicts:   NewConflictDetector(),
		Compressor:  S2Compressor{},
		Config:      cfg,
		Metrics:     metrics,
		Logger:      logger,
		Now:         time.Now,
		inProgress:  make(map[string]bool),
		progress:    make(map[string]float64),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Progress reports the last observed progress value in [0.0, 1.0] for an
// in-flight sync, and whether one is in flight at all.
func (o *Orchestrator) Progress(deviceID string) (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.inProgress[deviceID]
	return o.progress[deviceID], ok && p
}

// Cancel implements §4.5's cancellation: transitions the in-flight sync
// to Failed(Canceled), releasing the mutex and closing the transport on
// the next suspension point the running goroutine observes.
func (o *Orchestrator) Cancel(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancelFuncs[deviceID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) setProgress(deviceID string, v float64) {
	o.mu.Lock()
	o.progress[deviceID] = v
	o.mu.Unlock()
}

// Sync implements sync(device_id, mode) from §4.5.
func (o *Orchestrator) Sync(ctx context.Context, deviceID string, mode SyncMode) (SyncOutcome, error) {
	switch mode {
	case ModeFull, ModeIncremental, ModePull, ModePush:
	default:
		return SyncOutcome{}, &SyncError{Kind: SyncInvalidMode, Message: fmt.Sprintf("unknown sync mode %q", mode)}
	}

	o.mu.Lock()
	if o.inProgress[deviceID] {
		o.mu.Unlock()
		return SyncOutcome{}, &SyncError{Kind: SyncAlreadyInProgress, Message: "sync already in progress for " + deviceID}
	}
	syncCtx, cancel := context.WithTimeout(ctx, o.Config.WallClockTimeout)
	o.inProgress[deviceID] = true
	o.progress[deviceID] = 0.0
	o.cancelFuncs[deviceID] = cancel
	o.mu.Unlock()

	if o.Metrics != nil {
		o.Metrics.SyncsInFlight.Inc()
	}
	defer func() {
		o.mu.Lock()
		delete(o.inProgress, deviceID)
		delete(o.progress, deviceID)
		delete(o.cancelFuncs, deviceID)
		o.mu.Unlock()
		cancel()
		if o.Metrics != nil {
			o.Metrics.SyncsInFlight.Dec()
		}
	}()

	var outcome SyncOutcome
	attempt := func() error {
		out, err := o.runOnce(syncCtx, deviceID, mode)
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				return backoff.Permanent(err)
			}
			var syncErr *SyncError
			if errors.As(err, &syncErr) && !syncErr.Retryable() {
				return backoff.Permanent(err)
			}
			o.Logger.Warnf("sync with %s failed, retrying: %v", deviceID, err)
			return err
		}
		outcome = out
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(expBackoff, uint64(o.Config.MaxRetryAttempts))
	if err := backoff.Retry(attempt, backoff.WithContext(policy, syncCtx)); err != nil {
		if errors.Is(syncCtx.Err(), context.Canceled) {
			err = &SyncError{Kind: SyncCanceled, Message: "sync canceled", Cause: err}
		}
		o.writeFailureLog(ctx, deviceID, err)
		if o.Metrics != nil {
			o.Metrics.SyncsFailed.Inc()
		}
		return SyncOutcome{}, err
	}
	o.setProgress(deviceID, 1.0)
	return outcome, nil
}

// runOnce executes the seven-step sequence from §4.5 exactly once.
func (o *Orchestrator) runOnce(ctx context.Context, deviceID string, mode SyncMode) (SyncOutcome, error) {
	// Step 1: connect.
	transport, err := o.Dialer.Dial(ctx, deviceID)
	if err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncConnectionFailed, Message: "dial failed", Cause: err}
	}
	defer transport.Close()
	o.setProgress(deviceID, 0.1)

	tx, err := o.Store.Begin(ctx)
	if err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "begin transaction", Cause: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = o.Store.Rollback(tx)
		}
	}()

	peer, err := o.upsertPeerDevice(tx, deviceID)
	if err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "load peer device", Cause: err}
	}

	// Step 2: read last_sync_timestamp for incremental mode; gather
	// outbound data.
	var cutoff *time.Time
	if mode == ModeIncremental {
		cutoff = peer.LastSyncTimestamp
	}
	var outboundEvents []Event
	var outboundHistory []EditHistory
	if mode != ModePull {
		outboundEvents, err = o.Store.ListEvents(tx, func(e Event) bool {
			return cutoff == nil || e.LastModifiedAt.After(*cutoff)
		})
		if err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "list events", Cause: err}
		}
		all, err := o.Store.ListHistory(tx)
		if err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "list history", Cause: err}
		}
		for _, h := range all {
			if cutoff == nil || h.Timestamp.After(*cutoff) {
				outboundHistory = append(outboundHistory, h)
			}
		}
	}
	o.setProgress(deviceID, 0.2)

	// Step 3: transmit all outbound data through C1/C2.
	if err := o.sendMessage(ctx, transport, SyncRequestMsg{
		Envelope:          o.envelope(MsgSyncRequest),
		SyncMode:          mode,
		LastSyncTimestamp: cutoff,
		EntityTypes:       []EntityType{EntityEvent, EntityEditHistory},
	}); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataSendFailed, Message: "send sync_request", Cause: err}
	}

	var resp SyncResponseMsg
	if err := o.receiveInto(ctx, transport, MsgSyncResponse, &resp); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataReceiveFailed, Message: "receive sync_response", Cause: err}
	}
	if err := CheckProtocolVersion(ProtocolVersion, resp.ProtocolVersion); err != nil {
		return SyncOutcome{}, err
	}
	if !resp.Accepted {
		return SyncOutcome{}, &ProtocolError{Kind: ProtocolPeerRejected, Message: "peer rejected sync request"}
	}

	if mode != ModePull {
		sort.Slice(outboundHistory, func(i, j int) bool { return lessHistory(outboundHistory[i], outboundHistory[j]) })
		payload, err := json.Marshal(syncBatchPayload{
			Events: EventBatch{Events: outboundEvents},
			History: EditHistoryBatch{
				Version:               HistoryMergeProtocolVersion,
				SortedChronologically: true,
				Records:               outboundHistory,
			},
		})
		if err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataSendFailed, Message: "marshal outbound batch", Cause: err}
		}
		if err := o.sendChunks(ctx, transport, EntityEvent, payload); err != nil {
			return SyncOutcome{}, err
		}
	}
	o.setProgress(deviceID, 0.5)

	// Step 4: receive inbound stream and reassemble.
	var inboundEvents []Event
	var inboundHistoryBatch EditHistoryBatch
	chunksReceived := 0
	if mode != ModePush {
		chunks, err := o.receiveChunks(ctx, transport)
		if err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataReceiveFailed, Message: "receive inbound chunks", Cause: err}
		}
		chunksReceived = len(chunks)
		raw, err := Reassemble(chunks, o.Compressor)
		if err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataReceiveFailed, Message: "reassemble inbound batch", Cause: err}
		}
		var batch syncBatchPayload
		if err := json.Unmarshal(raw, &batch); err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "decode inbound batch", Cause: err}
		}
		inboundEvents = batch.Events.Events
		inboundHistoryBatch = batch.History
	}
	o.setProgress(deviceID, 0.7)

	// Step 5/6: import events, merge history, scan and resolve conflicts.
	localByID := make(map[uuid.UUID]Event)
	existing, err := o.Store.ListEvents(tx, nil)
	if err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "list local events", Cause: err}
	}
	for _, e := range existing {
		localByID[e.ID] = e
	}
	localHistory, err := o.Store.ListHistory(tx)
	if err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "list local history", Cause: err}
	}

	var conflicts []FieldConflict
	var detailed []DetailedConflict
	entitiesProcessed := 0
	for _, remote := range inboundEvents {
		entitiesProcessed++
		local, hadLocal := localByID[remote.ID]
		if !hadLocal {
			if err := o.Store.UpsertEvent(tx, remote); err != nil {
				return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "upsert imported event", Cause: err}
			}
			continue
		}
		if !remote.LastModifiedAt.After(local.LastModifiedAt) {
			continue
		}
		base := reconstructBase(local, localHistory, cutoff)
		result := o.Merge.MergeEvent(&base, local, remote, o.Config.Resolution)
		if err := o.Store.UpsertEvent(tx, result.Merged); err != nil {
			return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "upsert merged event", Cause: err}
		}
		conflicts = append(conflicts, result.Conflicts...)
		if len(result.Conflicts) > 0 {
			detailed = append(detailed, o.Conflicts.Detect(
				map[uuid.UUID]Event{base.ID: base},
				map[uuid.UUID]Event{local.ID: local},
				map[uuid.UUID]Event{remote.ID: remote})...)

			parentIDs := collectConflictParentIDs(localHistory, inboundHistoryBatch.Records, remote.ID, result.Conflicts)
			conflictHist := o.Merge.BuildConflictHistory(remote.ID, result.Conflicts, parentIDs)
			if err := o.Store.UpsertHistory(tx, conflictHist); err != nil {
				return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "upsert conflict-resolution history", Cause: err}
			}
		}
	}

	if len(inboundHistoryBatch.Records) > 0 {
		known := make(map[uuid.UUID]bool, len(localByID))
		for id := range localByID {
			known[id] = true
		}
		for _, e := range inboundEvents {
			known[e.ID] = true
		}
		if inboundHistoryBatch.Version == HistoryMergeProtocolVersion {
			merged := o.History.Merge(localHistory, inboundHistoryBatch.Records, known)
			for _, h := range merged.Merged {
				if err := o.Store.UpsertHistory(tx, h); err != nil {
					return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "upsert merged history", Cause: err}
				}
			}
		} else {
			// Legacy (pre-1.1) batches skip the causal merger entirely:
			// §4.5 step 5 calls for a simple upsert, relying on the
			// store's (id, device_id) keyed overwrite for dedup.
			for _, h := range inboundHistoryBatch.Records {
				if err := o.Store.UpsertHistory(tx, h); err != nil {
					return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "upsert legacy history", Cause: err}
				}
			}
		}
	}
	if o.Metrics != nil && len(conflicts) > 0 {
		for range conflicts {
			o.Metrics.ConflictsTotal.Inc()
		}
	}
	o.setProgress(deviceID, 0.9)

	// Step 7: write SyncLog and update last_sync_timestamp, all in the
	// transaction already open.
	now := o.Now()
	if err := o.Store.BatchUpdateSyncTimestamps(tx, peer.ID, now); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "update last_sync_timestamp", Cause: err}
	}
	if err := o.Store.AppendSyncLog(tx, SyncLog{
		ID:               NewID(),
		Timestamp:        now,
		DeviceID:         deviceID,
		DeviceName:       peer.CustomName,
		EventsReceived:   len(inboundEvents),
		EventsSent:       len(outboundEvents),
		Conflicts:        len(conflicts),
		ResolutionMethod: resolutionMethodName(o.Config.Resolution.Global),
		Successful:       true,
	}); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "append sync log", Cause: err}
	}

	if err := o.sendMessage(ctx, transport, SyncCompleteMsg{
		Envelope:          o.envelope(MsgSyncComplete),
		Successful:        true,
		ChunksReceived:    chunksReceived,
		EntitiesProcessed: entitiesProcessed,
		Conflicts:         len(conflicts),
		SyncTimestamp:     now,
	}); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataSendFailed, Message: "send sync_complete", Cause: err}
	}

	if err := o.Store.Commit(tx); err != nil {
		return SyncOutcome{}, &SyncError{Kind: SyncDataProcessingFailed, Message: "commit transaction", Cause: err}
	}
	committed = true
	o.setProgress(deviceID, 1.0)

	return SyncOutcome{
		Successful:        true,
		ChunksReceived:    chunksReceived,
		EntitiesProcessed: entitiesProcessed,
		Conflicts:         len(conflicts),
		DetailedConflicts: detailed,
		SyncTimestamp:     now,
	}, nil
}

// PruneHistory deletes EditHistory records older than olderThan in a
// single transaction. It is invoked explicitly by the caller (the CLI's
// prune subcommand), never on a timer.
func (o *Orchestrator) PruneHistory(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := o.Store.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Kind: StoreTxFailed, Message: "begin prune transaction", Cause: err}
	}
	n, err := o.Store.BatchDeleteHistoryOlderThan(tx, olderThan)
	if err != nil {
		_ = o.Store.Rollback(tx)
		return 0, err
	}
	if err := o.Store.Commit(tx); err != nil {
		return 0, &StoreError{Kind: StoreTxFailed, Message: "commit prune transaction", Cause: err}
	}
	return n, nil
}

// reconstructBase derives the common ancestor of a since-cutoff local
// edit by rolling the field-level merge procedure's base argument back
// through localHistory's previous_*/new_* pairs (§4.3, §4.5 step 6):
// for each mergeable field, the earliest local history record touching
// it after cutoff supplies the field's pre-edit value; fields with no
// such record haven't changed locally, so the current local value is
// already the base value.
func reconstructBase(local Event, localHistory []EditHistory, cutoff *time.Time) Event {
	base := local.clone()
	earliest := make(map[EventField]EditHistory)
	for _, h := range localHistory {
		if h.EventID != local.ID {
			continue
		}
		if cutoff != nil && !h.Timestamp.After(*cutoff) {
			continue
		}
		if h.PreviousTitle != nil || h.NewTitle != nil {
			recordEarlier(earliest, FieldTitle, h)
		}
		if h.PreviousLoc != nil || h.NewLoc != nil {
			recordEarlier(earliest, FieldLocation, h)
		}
		if h.PreviousDay != nil || h.NewDay != nil {
			recordEarlier(earliest, FieldDay, h)
		}
	}
	if h, ok := earliest[FieldTitle]; ok && h.PreviousTitle != nil {
		base.Title = *h.PreviousTitle
	}
	if h, ok := earliest[FieldLocation]; ok && h.PreviousLoc != nil {
		base.Location = *h.PreviousLoc
	}
	if h, ok := earliest[FieldDay]; ok && h.PreviousDay != nil {
		base.Day = *h.PreviousDay
	}
	return base
}

func recordEarlier(m map[EventField]EditHistory, field EventField, h EditHistory) {
	if cur, ok := m[field]; !ok || h.Timestamp.Before(cur.Timestamp) {
		m[field] = h
	}
}

// collectConflictParentIDs finds, for every resolved conflict, the
// local and remote history records whose new_* value produced the
// conflicting side (§8 scenario 3: "one conflict-resolution history
// with parent_history_ids=[hA, hB]"), deduplicated and sorted for a
// deterministic wire representation.
func collectConflictParentIDs(localHistory, remoteHistory []EditHistory, eventID uuid.UUID, conflicts []FieldConflict) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if id == uuid.Nil || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, c := range conflicts {
		if h := mostRecentFieldRecord(localHistory, eventID, c.Field, c.LocalValue); h != nil {
			add(h.ID)
		}
		if h := mostRecentFieldRecord(remoteHistory, eventID, c.Field, c.RemoteValue); h != nil {
			add(h.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// mostRecentFieldRecord returns the latest history record for eventID
// whose recorded new value for field matches value, or nil if none
// match.
func mostRecentFieldRecord(history []EditHistory, eventID uuid.UUID, field EventField, value any) *EditHistory {
	var best *EditHistory
	for i := range history {
		h := &history[i]
		if h.EventID != eventID || !fieldRecordMatches(h, field, value) {
			continue
		}
		if best == nil || h.Timestamp.After(best.Timestamp) {
			best = h
		}
	}
	return best
}

func fieldRecordMatches(h *EditHistory, field EventField, value any) bool {
	switch field {
	case FieldTitle:
		v, ok := value.(string)
		return ok && h.NewTitle != nil && *h.NewTitle == v
	case FieldLocation:
		v, ok := value.(string)
		return ok && h.NewLoc != nil && *h.NewLoc == v
	case FieldDay:
		v, ok := value.(int)
		return ok && h.NewDay != nil && *h.NewDay == v
	default:
		return false
	}
}

func (o *Orchestrator) upsertPeerDevice(tx Tx, deviceID string) (*FamilyDevice, error) {
	devices, err := o.Store.ListDevices(tx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.BluetoothIdentifier == deviceID {
			dCopy := d
			return &dCopy, nil
		}
	}
	d := FamilyDevice{ID: NewID(), BluetoothIdentifier: deviceID, IsLocal: false}
	if err := o.Store.UpsertDevice(tx, d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (o *Orchestrator) envelope(t MessageType) Envelope {
	return Envelope{ProtocolVersion: ProtocolVersion, MessageType: t, Timestamp: o.Now(), DeviceID: o.LocalID}
}

func (o *Orchestrator) sendMessage(ctx context.Context, t Transport, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(ctx, data)
}

// receiveInto reads one message and unmarshals it into dst, verifying
// its message_type matches want.
func (o *Orchestrator) receiveInto(ctx context.Context, t Transport, want MessageType, dst any) error {
	data, err := t.Receive(ctx)
	if err != nil {
		return err
	}
	var peek Envelope
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}
	if peek.MessageType == MsgError {
		var em ErrorMsg
		_ = json.Unmarshal(data, &em)
		return &ProtocolError{Kind: ProtocolUnexpectedMessage, Message: em.ErrorMessage}
	}
	if peek.MessageType != want {
		return &ProtocolError{Kind: ProtocolUnexpectedMessage, Message: fmt.Sprintf("expected %s, got %s", want, peek.MessageType)}
	}
	return json.Unmarshal(data, dst)
}

// sendChunks splits payload via C1 and drives the per-chunk ack loop
// from §4.2/§5: chunks are acknowledged in strictly increasing index
// order, each redelivered up to MaxChunkRetries on a NACK.
func (o *Orchestrator) sendChunks(ctx context.Context, t Transport, entity EntityType, payload []byte) error {
	chunks := Split(o.LocalID, entity, payload, o.Compressor)
	for _, chunk := range chunks {
		retries := 0
		for {
			msg := DataChunkMsg{
				Envelope:    o.envelope(MsgDataChunk),
				ChunkIndex:  chunk.ChunkIndex,
				TotalChunks: chunk.TotalChunks,
				EntityType:  chunk.EntityType,
				Compressed:  chunk.Compressed,
				Payload:     chunk.Payload,
				Checksum:    chunk.Checksum,
			}
			if err := o.sendMessage(ctx, t, msg); err != nil {
				return &SyncError{Kind: SyncDataSendFailed, Message: "send data_chunk", Cause: err}
			}
			if o.Metrics != nil {
				o.Metrics.ChunksSent.Inc()
			}

			var ack ChunkAckMsg
			if err := o.receiveInto(ctx, t, MsgChunkAck, &ack); err != nil {
				return &SyncError{Kind: SyncDataSendFailed, Message: "receive chunk_ack", Cause: err}
			}
			if ack.Received && ack.ChunkIndex == chunk.ChunkIndex {
				break
			}
			if o.Metrics != nil {
				o.Metrics.ChunkNacks.Inc()
			}
			retries++
			if retries > o.Config.MaxChunkRetries {
				return &SyncError{Kind: SyncDataSendFailed, Message: fmt.Sprintf("chunk %d exceeded max retries", chunk.ChunkIndex)}
			}
			if o.Metrics != nil {
				o.Metrics.ChunkRetries.Inc()
			}
		}
	}
	if o.Metrics != nil {
		o.Metrics.WindowUtil.Set(float64(min(len(chunks), o.Config.Window)) / float64(max(o.Config.Window, 1)))
	}
	return nil
}

// receiveChunks reads data_chunk messages until total_chunks is
// satisfied, acking each by index.
func (o *Orchestrator) receiveChunks(ctx context.Context, t Transport) ([]Chunk, error) {
	var chunks []Chunk
	total := -1
	for total == -1 || len(chunks) < total {
		var msg DataChunkMsg
		if err := o.receiveInto(ctx, t, MsgDataChunk, &msg); err != nil {
			return nil, err
		}
		total = msg.TotalChunks
		chunks = append(chunks, Chunk{
			SourceDeviceID: msg.DeviceID,
			ChunkIndex:     msg.ChunkIndex,
			TotalChunks:    msg.TotalChunks,
			EntityType:     msg.EntityType,
			Compressed:     msg.Compressed,
			Payload:        msg.Payload,
			Checksum:       msg.Checksum,
		})
		if o.Metrics != nil {
			o.Metrics.ChunksReceived.Inc()
		}
		if err := o.sendMessage(ctx, t, ChunkAckMsg{
			Envelope:   o.envelope(MsgChunkAck),
			ChunkIndex: msg.ChunkIndex,
			Received:   true,
		}); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

func (o *Orchestrator) writeFailureLog(ctx context.Context, deviceID string, cause error) {
	tx, err := o.Store.Begin(ctx)
	if err != nil {
		o.Logger.Errorf("sync with %s failed and failure log could not be written: %v", deviceID, err)
		return
	}
	_ = o.Store.AppendSyncLog(tx, SyncLog{
		ID:         NewID(),
		Timestamp:  o.Now(),
		DeviceID:   deviceID,
		Successful: false,
		Details:    cause.Error(),
	})
	if err := o.Store.Commit(tx); err != nil {
		_ = o.Store.Rollback(tx)
	}
}

func resolutionMethodName(p ResolutionPreference) string {
	switch p {
	case PreferLocal:
		return "prefer_local"
	case PreferRemote:
		return "prefer_remote"
	case PreferMergeAll:
		return "merge_all"
	case PreferLatest:
		return "latest"
	default:
		return "manual"
	}
}
