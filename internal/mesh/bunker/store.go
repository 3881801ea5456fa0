// Package bunker is the offline store used while a node is cut off from the
// mesh. Records form a signed hash chain and leave the node only through an
// operator-approved sync.
package bunker

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/google/uuid"
)

// State is the connectivity state of the store.
type State int

const (
	StateConnected State = iota
	StateIsolated
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIsolated:
		return "isolated"
	case StateSyncing:
		return "syncing"
	default:
		return "connected"
	}
}

// Operation names a privileged action that needs an operator signature.
type Operation string

const (
	OpSync  Operation = "sync"
	OpClear Operation = "clear"
	OpPurge Operation = "purge"
)

// Authorizer checks an operator signature over a challenge.
type Authorizer interface {
	Authorize(challenge, signature []byte) bool
}

// SyncBatch is the handoff produced by AuthorizeSync. Records stay unsynced
// until ConfirmSync names them under Token.
type SyncBatch struct {
	Token   string
	Records []Record
}

// Config tunes the store.
type Config struct {
	Capacity         int     `mapstructure:"capacity" yaml:"capacity" validate:"gte=1"`
	WarnUtilization  float64 `mapstructure:"warn_utilization" yaml:"warn_utilization" validate:"gt=0,lte=1"`
	CompressMinBytes int     `mapstructure:"compress_min_bytes" yaml:"compress_min_bytes" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:         10000,
		WarnUtilization:  0.80,
		CompressMinBytes: 256,
	}
}

const (
	metaAnchor      = "anchor"
	metaChainBroken = "chain_broken"
)

// Store is the offline hash-chained queue.
type Store struct {
	backend    Backend
	boundary   common.SecurityBoundary
	authorizer Authorizer

	mu          sync.RWMutex
	records     []Record
	anchor      anchor
	head        common.Hash
	nextSeq     uint64
	state       State
	reconnected bool
	brokenAt    uint64
	broken      string
	warned      bool
	pending     map[string]map[uint64]struct{}

	sink   common.EventSink
	config Config
	now    common.Clock
	logger *slog.Logger
}

// NewStore loads existing records from backend and verifies the chain. A
// broken chain does not fail the open; the store comes up in the broken state.
func NewStore(backend Backend, boundary common.SecurityBoundary, authorizer Authorizer, config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil || boundary == nil {
		return nil, common.NewMeshError(common.ErrCodeInvalidConfig, "offline store needs a backend and a security boundary")
	}

	s := &Store{
		backend:    backend,
		boundary:   boundary,
		authorizer: authorizer,
		nextSeq:    1,
		pending:    make(map[string]map[uint64]struct{}),
		sink:       common.NopSink{},
		config:     config,
		now:        time.Now,
		logger:     logger.With("component", "bunker"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	if err := s.VerifyChain(); err != nil {
		s.logger.Error("offline chain failed verification on load", "error", err)
	}
	s.logger.Info("offline store opened",
		"records", len(s.records),
		"next_seq", s.nextSeq,
		"chain_intact", s.broken == "")
	return s, nil
}

func (s *Store) load() error {
	raw, err := s.backend.GetMeta(metaAnchor)
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "read anchor", err)
	}
	if raw != nil {
		if err := decode(raw, &s.anchor); err != nil {
			return common.WrapError(common.ErrCodeStorageFailed, "decode anchor", err)
		}
	}
	s.head = common.HashFromBytes(s.anchor.Hash)
	s.nextSeq = s.anchor.Seq + 1

	broken, err := s.backend.GetMeta(metaChainBroken)
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "read chain state", err)
	}
	s.broken = string(broken)

	err = s.backend.ForEach(func(seq uint64, data []byte) error {
		rec, err := UnmarshalRecord(data)
		if err != nil {
			return err
		}
		if rec.SequenceNo != seq {
			return fmt.Errorf("record key %d holds sequence %d", seq, rec.SequenceNo)
		}
		s.records = append(s.records, rec)
		return nil
	})
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "load records", err)
	}

	if n := len(s.records); n > 0 {
		last := s.records[n-1]
		s.head = last.RecordHash
		s.nextSeq = last.SequenceNo + 1
		if s.unsyncedLocked() > 0 {
			s.state = StateIsolated
		}
	}
	return nil
}

// SetClock overrides the time source.
func (s *Store) SetClock(clock common.Clock) {
	s.mu.Lock()
	s.now = clock
	s.mu.Unlock()
}

// SetSink installs the security event sink.
func (s *Store) SetSink(sink common.EventSink) {
	if sink == nil {
		sink = common.NopSink{}
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// EnterOffline switches to bunker mode.
func (s *Store) EnterOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIsolated {
		s.logger.Warn("entering bunker mode", "from", s.state.String())
	}
	s.state = StateIsolated
	s.reconnected = false
}

// Reconnected records that peers are reachable again. The store leaves bunker
// mode only once every record has been through an authorized sync.
func (s *Store) Reconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return
	}
	s.reconnected = true
	if s.unsyncedLocked() == 0 {
		s.state = StateConnected
		s.logger.Info("bunker mode exited, nothing to sync")
		return
	}
	if s.state != StateSyncing {
		s.state = StateSyncing
		s.logger.Info("reconnected, awaiting authorized sync", "unsynced", s.unsyncedLocked())
	}
}

// State returns the connectivity state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AppendRecord chains, signs and durably writes a record.
func (s *Store) AppendRecord(kind Kind, height uint64, payload []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != "" {
		return Record{}, common.ErrChainBrokenAt(s.brokenAt, s.broken)
	}
	if len(s.records) >= s.config.Capacity {
		s.sink.PublishSecurityEvent(common.SecurityEvent{
			Kind:   common.SecurityBufferExhausted,
			Detail: fmt.Sprintf("%d of %d records held, append refused", len(s.records), s.config.Capacity),
			At:     s.now(),
		})
		return Record{}, common.ErrBufferFull(s.config.Capacity)
	}

	rec := Record{
		SequenceNo:     s.nextSeq,
		Kind:           kind,
		Height:         height,
		Payload:        append([]byte{}, payload...),
		RecordHash:     security.Digest(payload),
		PrevRecordHash: s.head,
		CreatedAt:      s.now(),
	}
	if kind != KindBlock {
		rec.Height = 0
	}
	sig, err := s.boundary.Sign(rec.SigningBytes())
	if err != nil {
		return Record{}, common.WrapError(common.ErrCodeInvalidSignature, "sign offline record", err)
	}
	rec.Signature = sig

	if err := s.persistLocked(rec); err != nil {
		return Record{}, err
	}

	s.records = append(s.records, rec)
	s.head = rec.RecordHash
	s.nextSeq++

	util := s.utilizationLocked()
	if util >= s.config.WarnUtilization && !s.warned {
		s.warned = true
		s.logger.Warn("offline store nearing capacity",
			"records", len(s.records),
			"capacity", s.config.Capacity,
			"utilization", util)
		s.sink.PublishSecurityEvent(common.SecurityEvent{
			Kind:   common.SecurityBufferWarning,
			Detail: fmt.Sprintf("%d of %d records held (%.0f%%)", len(s.records), s.config.Capacity, util*100),
			At:     s.now(),
		})
	}
	return rec.Clone(), nil
}

func (s *Store) persistLocked(rec Record) error {
	data, err := MarshalRecord(rec, s.config.CompressMinBytes)
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "encode record", err)
	}
	if err := s.backend.Put(rec.SequenceNo, data); err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "write record", err).
			WithContext("sequence", rec.SequenceNo)
	}
	return nil
}

// GapInfo summarizes the backlog.
func (s *Store) GapInfo() common.GapInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	util := s.utilizationLocked()
	return common.GapInfo{
		Count:       s.unsyncedLocked(),
		Total:       len(s.records),
		Capacity:    s.config.Capacity,
		ChainIntact: s.broken == "",
		Utilization: util,
		Warning:     util >= s.config.WarnUtilization,
		State:       s.state.String(),
	}
}

func (s *Store) utilizationLocked() float64 {
	if s.config.Capacity <= 0 {
		return 1
	}
	return float64(len(s.records)) / float64(s.config.Capacity)
}

func (s *Store) unsyncedLocked() int {
	n := 0
	for i := range s.records {
		if !s.records[i].Synced {
			n++
		}
	}
	return n
}

func (s *Store) syncedPrefixLocked() int {
	n := 0
	for n < len(s.records) && s.records[n].Synced {
		n++
	}
	return n
}

// Challenge returns the bytes an operator signs to approve op. It binds the
// current head, so an approval cannot be replayed once the store changes.
func (s *Store) Challenge(op Operation) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.challengeLocked(op)
}

// SyncChallenge is Challenge(OpSync).
func (s *Store) SyncChallenge() []byte {
	return s.Challenge(OpSync)
}

func (s *Store) challengeLocked(op Operation) []byte {
	var count uint64
	switch op {
	case OpSync:
		count = uint64(s.unsyncedLocked())
	case OpPurge:
		count = uint64(s.syncedPrefixLocked())
	default:
		count = s.nextSeq
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], count)
	d := security.Digest([]byte("tacmesh-"+string(op)), s.head[:], n[:])
	return d[:]
}

func (s *Store) authorizeLocked(op Operation, approvalSig []byte) error {
	if s.authorizer != nil && s.authorizer.Authorize(s.challengeLocked(op), approvalSig) {
		return nil
	}
	s.logger.Warn("unauthorized offline store operation", "operation", string(op))
	s.sink.PublishSecurityEvent(common.SecurityEvent{
		Kind:   common.SecuritySyncUnauthorized,
		Detail: fmt.Sprintf("%s rejected: bad operator approval", op),
		At:     s.now(),
	})
	return common.ErrSyncDenied(fmt.Sprintf("%s approval rejected", op))
}

// AuthorizeSync hands every unsynced record to the caller in sequence order
// once the operator approval checks out against SyncChallenge.
func (s *Store) AuthorizeSync(approvalSig []byte) (SyncBatch, error) {
	if err := s.VerifyChain(); err != nil {
		return SyncBatch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != "" {
		return SyncBatch{}, common.ErrChainBrokenAt(s.brokenAt, s.broken)
	}
	if err := s.authorizeLocked(OpSync, approvalSig); err != nil {
		return SyncBatch{}, err
	}

	batch := SyncBatch{Token: uuid.NewString()}
	seqs := make(map[uint64]struct{})
	for i := range s.records {
		if s.records[i].Synced {
			continue
		}
		batch.Records = append(batch.Records, s.records[i].Clone())
		seqs[s.records[i].SequenceNo] = struct{}{}
	}
	s.pending[batch.Token] = seqs
	if s.reconnected && s.state != StateConnected {
		s.state = StateSyncing
	}

	s.logger.Info("offline sync authorized", "token", batch.Token, "records", len(batch.Records))
	return batch, nil
}

// ConfirmSync marks records of an authorized batch as synced. Every sequence
// number must belong to the batch.
func (s *Store) ConfirmSync(token string, seqs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.pending[token]
	if !ok {
		return common.NewMeshError(common.ErrCodeInvalidState, "unknown sync token").
			WithContext("token", token)
	}
	for _, seq := range seqs {
		if _, ok := batch[seq]; !ok {
			return common.NewMeshError(common.ErrCodeInvalidState, "sequence not in sync batch").
				WithContext("token", token).
				WithContext("sequence", seq)
		}
	}

	confirmed := 0
	for _, seq := range seqs {
		idx := s.indexLocked(seq)
		if idx < 0 {
			continue
		}
		if !s.records[idx].Synced {
			rec := s.records[idx]
			rec.Synced = true
			if err := s.persistLocked(rec); err != nil {
				return err
			}
			s.records[idx] = rec
			confirmed++
		}
		delete(batch, seq)
	}
	if len(batch) == 0 {
		delete(s.pending, token)
	}

	remaining := s.unsyncedLocked()
	s.logger.Info("offline sync confirmed", "confirmed", confirmed, "remaining", remaining)
	if remaining == 0 && s.reconnected && s.state != StateConnected {
		s.state = StateConnected
		s.reconnected = false
		s.logger.Info("bunker mode exited after authorized sync")
	}
	return nil
}

func (s *Store) indexLocked(seq uint64) int {
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].SequenceNo >= seq })
	if i < len(s.records) && s.records[i].SequenceNo == seq {
		return i
	}
	return -1
}

// VerifyChain checks sequence continuity, payload hashes, the prev-hash links
// and every signature from the anchor forward. A failure moves the store into
// the broken state until an operator clears it.
func (s *Store) VerifyChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != "" {
		return common.ErrChainBrokenAt(s.brokenAt, s.broken)
	}

	prev := common.HashFromBytes(s.anchor.Hash)
	want := s.anchor.Seq + 1
	pub := s.boundary.PublicKey()
	for i := range s.records {
		rec := &s.records[i]
		if rec.SequenceNo < want {
			continue
		}
		var reason string
		switch {
		case rec.SequenceNo != want:
			reason = fmt.Sprintf("sequence gap: want %d", want)
		case security.Digest(rec.Payload) != rec.RecordHash:
			reason = "record hash mismatch"
		case rec.PrevRecordHash != prev:
			reason = "prev_record_hash does not match predecessor"
		case !s.boundary.Verify(rec.SigningBytes(), rec.Signature, pub):
			reason = "record signature invalid"
		}
		if reason != "" {
			return s.breakLocked(rec.SequenceNo, reason)
		}
		prev = rec.RecordHash
		want++
	}
	return nil
}

func (s *Store) breakLocked(seq uint64, reason string) error {
	s.broken = reason
	s.brokenAt = seq
	if err := s.backend.PutMeta(metaChainBroken, []byte(reason)); err != nil {
		s.logger.Error("failed to persist chain state", "error", err)
	}
	s.logger.Error("offline chain broken", "sequence", seq, "reason", reason)
	s.sink.PublishSecurityEvent(common.SecurityEvent{
		Kind:   common.SecurityChainBroken,
		Detail: fmt.Sprintf("sequence %d: %s", seq, reason),
		At:     s.now(),
	})
	return common.ErrChainBrokenAt(seq, reason)
}

// ChainIntact reports whether the chain is usable.
func (s *Store) ChainIntact() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broken == ""
}

// ClearChainBroken accepts the chain as it stands under operator approval.
// Verification restarts from the current head.
func (s *Store) ClearChainBroken(approvalSig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken == "" {
		return nil
	}
	if err := s.authorizeLocked(OpClear, approvalSig); err != nil {
		return err
	}

	next := anchor{Seq: s.nextSeq - 1, Hash: append([]byte(nil), s.head[:]...)}
	if err := s.setAnchorLocked(next); err != nil {
		return err
	}
	if err := s.backend.PutMeta(metaChainBroken, nil); err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "clear chain state", err)
	}
	s.logger.Warn("offline chain break cleared by operator", "was", s.broken, "anchor_seq", next.Seq)
	s.broken = ""
	s.brokenAt = 0
	return nil
}

func (s *Store) setAnchorLocked(a anchor) error {
	raw, err := encode(&a)
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "encode anchor", err)
	}
	if err := s.backend.PutMeta(metaAnchor, raw); err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "write anchor", err)
	}
	s.anchor = a
	return nil
}

// PurgeSynced deletes the leading run of synced records under operator
// approval and returns how many were removed.
func (s *Store) PurgeSynced(approvalSig []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeLocked(OpPurge, approvalSig); err != nil {
		return 0, err
	}
	n := s.syncedPrefixLocked()
	if n == 0 {
		return 0, nil
	}

	last := s.records[n-1]
	if last.SequenceNo > s.anchor.Seq {
		if err := s.setAnchorLocked(anchor{Seq: last.SequenceNo, Hash: append([]byte(nil), last.RecordHash[:]...)}); err != nil {
			return 0, err
		}
	}
	seqs := make([]uint64, n)
	for i := 0; i < n; i++ {
		seqs[i] = s.records[i].SequenceNo
	}
	if err := s.backend.Delete(seqs...); err != nil {
		return 0, common.WrapError(common.ErrCodeStorageFailed, "purge records", err)
	}

	s.records = append([]Record(nil), s.records[n:]...)
	if s.utilizationLocked() < s.config.WarnUtilization {
		s.warned = false
	}
	s.logger.Info("purged synced records", "count", n, "remaining", len(s.records))
	return n, nil
}

// UnsyncedRecords returns unsynced records of kind in sequence order. Blocks
// are additionally ordered by height.
func (s *Store) UnsyncedRecords(kind Kind) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := range s.records {
		if s.records[i].Synced || s.records[i].Kind != kind {
			continue
		}
		out = append(out, s.records[i].Clone())
	}
	if kind == KindBlock {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	}
	return out
}

// LatestHeight returns the highest stored block height.
func (s *Store) LatestHeight() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		highest uint64
		found   bool
	)
	for i := range s.records {
		if s.records[i].Kind == KindBlock && (!found || s.records[i].Height > highest) {
			highest = s.records[i].Height
			found = true
		}
	}
	return highest, found
}

// Head returns the hash of the newest record.
func (s *Store) Head() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Records returns a copy of every stored record.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	for i := range s.records {
		out[i] = s.records[i].Clone()
	}
	return out
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
