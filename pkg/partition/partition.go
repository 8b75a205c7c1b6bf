// Package partition implements the CORE's Partition (spec §3.4/§4.2,
// component B): the serialized append path, segment roll/split, the
// in-memory cache and dedup set, and per-consumer/per-group offset storage.
//
// Grounded on the teacher's actor-style serialized-mutation discipline
// (pkg/core/concurrency/mailbox.go: one goroutine's worth of exclusive state
// mutation behind a lock, with reads allowed to proceed concurrently),
// adapted from an actor mailbox to a plain RWMutex since the CORE has no
// message-passing runtime of its own.
package partition

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/cache"
	"github.com/fluxorio/streamline/pkg/dedup"
	"github.com/fluxorio/streamline/pkg/message"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/segment"
	"github.com/fluxorio/streamline/pkg/wire"
)

// Draft is a caller-supplied message awaiting offset/timestamp/checksum
// assignment by the partition (spec §4.2 append_messages steps b-d).
type Draft struct {
	ID      wire.U128
	Headers message.Headers
	Payload []byte
}

// Config configures one partition's storage and policy.
type Config struct {
	Dir                           string
	StreamID, TopicID, PartitionID uint32

	MaxSegmentBytes  int64
	MessageExpiry    time.Duration
	CacheIndexes     bool
	CacheTimeIndexes bool
	ValidateChecksum bool

	CacheBytes int64 // <= 0 disables the read cache

	DedupEnabled    bool
	DedupMaxEntries int
	DedupExpiry     time.Duration

	DegradeThreshold    int
	DegradeResetTimeout time.Duration

	Persister persister.Persister
}

// Partition is the serialized append/poll unit for one topic partition.
type Partition struct {
	cfg Config

	mu                    sync.RWMutex
	segments              []*segment.Segment
	currentOffset         uint64
	shouldIncrementOffset bool
	unsavedMessagesCount  int

	cache   *cache.Cache
	dedup   *dedup.Set
	offsets *offsetStore
	degrade *degradeTracker

	createdAt time.Time
}

// Create builds a brand-new partition directory with a single empty active
// segment.
func Create(cfg Config, now time.Time) (*Partition, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "offsets", "consumers"), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotCreatePartition, "create consumer offsets dir", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "offsets", "groups"), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotCreatePartition, "create group offsets dir", err)
	}
	p := newPartition(cfg, now)
	seg, err := p.newActiveSegment(0)
	if err != nil {
		return nil, err
	}
	p.segments = append(p.segments, seg)
	return p, nil
}

// Open recovers a partition from an existing directory (spec §4.6 startup
// step 2): enumerate *.log files, sort by start offset, open every segment
// but the last as closed, load offset files.
func Open(cfg Config, now time.Time) (*Partition, error) {
	p := newPartition(cfg, now)

	starts, err := listSegmentStarts(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		seg, err := p.newActiveSegment(0)
		if err != nil {
			return nil, err
		}
		p.segments = append(p.segments, seg)
	} else {
		for i, start := range starts {
			var closedAt *uint64
			if i < len(starts)-1 {
				end := starts[i+1] - 1
				closedAt = &end
			}
			seg, err := segment.Open(p.segmentConfig(start), closedAt)
			if err != nil {
				return nil, err
			}
			p.segments = append(p.segments, seg)
		}
		last := p.segments[len(p.segments)-1]
		if !last.IsClosed() && last.SizeBytes() >= cfg.MaxSegmentBytes {
			if err := last.Close(); err != nil {
				return nil, err
			}
			seg, err := p.newActiveSegment(last.CurrentOffset() + 1)
			if err != nil {
				return nil, err
			}
			p.segments = append(p.segments, seg)
		}
	}

	last := p.segments[len(p.segments)-1]
	if last.HasMessages() {
		p.currentOffset = last.CurrentOffset()
		p.shouldIncrementOffset = true
	} else if len(p.segments) > 1 {
		prev := p.segments[len(p.segments)-2]
		p.currentOffset = prev.CurrentOffset()
		p.shouldIncrementOffset = prev.HasMessages()
	}

	if err := p.offsets.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPartition(cfg Config, now time.Time) *Partition {
	p := &Partition{
		cfg:       cfg,
		offsets:   newOffsetStore(cfg.Dir, cfg.Persister),
		degrade:   newDegradeTracker(cfg.DegradeThreshold, cfg.DegradeResetTimeout),
		createdAt: now,
	}
	if cfg.CacheBytes > 0 {
		p.cache = cache.New(cfg.CacheBytes)
	}
	if cfg.DedupEnabled {
		p.dedup = dedup.New(cfg.DedupMaxEntries, cfg.DedupExpiry)
	}
	return p
}

func (p *Partition) segmentConfig(startOffset uint64) segment.Config {
	return segment.Config{
		Dir:              p.cfg.Dir,
		StartOffset:      startOffset,
		MaxSizeBytes:     p.cfg.MaxSegmentBytes,
		MessageExpiry:    p.cfg.MessageExpiry,
		CacheIndexes:     p.cfg.CacheIndexes,
		CacheTimeIndexes: p.cfg.CacheTimeIndexes,
		ValidateChecksum: p.cfg.ValidateChecksum,
		Persister:        p.cfg.Persister,
	}
}

func (p *Partition) newActiveSegment(startOffset uint64) (*segment.Segment, error) {
	return segment.CreateActive(p.segmentConfig(startOffset))
}

func listSegmentStarts(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotReadFile, "glob segment files in "+dir, err)
	}
	starts := make([]uint64, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".log")
		v, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeCannotReadFile, "malformed segment filename "+m, err)
		}
		starts = append(starts, v)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// AppendMessages assigns offsets/timestamps/checksums to drafts and appends
// them to the active segment, splitting across a segment boundary as needed
// (spec §4.2 append_messages).
func (p *Partition) AppendMessages(drafts []Draft, now time.Time) ([]message.Message, error) {
	if len(drafts) == 0 {
		return nil, apperr.ErrEmptyMessageBatch
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.degrade.AllowWrite(now) {
		return nil, apperr.ErrCannotWriteFile
	}

	kept := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		if p.dedup != nil && p.dedup.Contains(d.ID, now) {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	nextOffset := uint64(0)
	if p.shouldIncrementOffset {
		nextOffset = p.currentOffset + 1
	}
	ts := uint64(now.UnixMicro())
	persisted := make([]message.Message, 0, len(kept))
	for i, d := range kept {
		m := message.Message{
			ID:        d.ID,
			Offset:    nextOffset + uint64(i),
			State:     message.StateAvailable,
			Timestamp: ts,
			Headers:   d.Headers,
			Payload:   d.Payload,
		}
		m.Checksum = message.Checksum(m.Headers, m.Payload)
		persisted = append(persisted, m)
	}

	for _, m := range persisted {
		if len(p.segments) == 0 || p.segments[len(p.segments)-1].IsClosed() {
			seg, err := p.newActiveSegment(m.Offset)
			if err != nil {
				p.degrade.RecordFailure(now)
				return nil, err
			}
			p.segments = append(p.segments, seg)
		}
		active := p.segments[len(p.segments)-1]
		if err := active.Append([]message.Message{m}); err != nil {
			p.degrade.RecordFailure(now)
			return nil, err
		}
	}
	p.degrade.RecordSuccess()

	if p.dedup != nil {
		for _, d := range kept {
			p.dedup.Add(d.ID, now)
		}
	}
	if p.cache != nil {
		p.cache.Push(persisted)
	}

	p.currentOffset = persisted[len(persisted)-1].Offset
	p.shouldIncrementOffset = true
	p.unsavedMessagesCount += len(persisted)

	return persisted, nil
}

// GetMessagesByOffset returns up to count consecutive messages from start,
// ending no later than current_offset; a start past current_offset yields
// no messages (spec §4.2).
func (p *Partition) GetMessagesByOffset(start uint64, count int) ([]message.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getMessagesByOffsetLocked(start, count)
}

// getMessagesByOffsetLocked is the default read path: it skips messages
// marked for deletion (spec §3.2 soft-delete), returning Poisoned ones
// as-is so the caller sees the flag on Message.State.
func (p *Partition) getMessagesByOffsetLocked(start uint64, count int) ([]message.Message, error) {
	out, err := p.rawRangeLocked(start, count)
	if err != nil {
		return nil, err
	}
	return filterMarkedForDeletion(out), nil
}

// GetMessagesByOffsetRange returns every message with offset in the
// inclusive range [start, end], bypassing the default skip of messages
// marked for deletion (spec §3.2: surfaced only through an explicit
// inclusive range read).
func (p *Partition) GetMessagesByOffsetRange(start, end uint64) ([]message.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if end < start || !p.shouldIncrementOffset {
		return nil, nil
	}
	return p.rawRangeLocked(start, int(end-start)+1)
}

func (p *Partition) rawRangeLocked(start uint64, count int) ([]message.Message, error) {
	if count <= 0 || !p.shouldIncrementOffset {
		return nil, nil
	}
	if start > p.currentOffset {
		return nil, nil
	}
	end := start + uint64(count) - 1
	if end > p.currentOffset {
		end = p.currentOffset
	}

	if p.cache != nil {
		if msgs, ok := p.cache.Range(start, end); ok {
			return msgs, nil
		}
	}

	var out []message.Message
	for _, seg := range p.segments {
		segEnd := seg.CurrentOffset()
		if closedEnd, closed := seg.EndOffset(); closed {
			segEnd = closedEnd
		}
		if segEnd < start || seg.StartOffset() > end {
			continue
		}
		msgs, err := seg.LoadMessages(start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// filterMarkedForDeletion drops StateMarkedForDeletion entries in place;
// safe because msgs is always freshly allocated by its caller (cache.Range
// or the segment/disk read path), never aliased storage.
func filterMarkedForDeletion(msgs []message.Message) []message.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.State == message.StateMarkedForDeletion {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SetMessageState patches the lifecycle state of the message at offset
// (spec §3.2: Poisoned/MarkedForDeletion transitions), locating the
// segment that owns it.
func (p *Partition) SetMessageState(offset uint64, state message.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range p.segments {
		segEnd := seg.CurrentOffset()
		if closedEnd, closed := seg.EndOffset(); closed {
			segEnd = closedEnd
		}
		if offset < seg.StartOffset() || offset > segEnd {
			continue
		}
		ok, err := seg.SetMessageState(offset, state)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrSegmentNotFound
		}
		if p.cache != nil {
			p.cache.SetState(offset, state)
		}
		return nil
	}
	return apperr.ErrSegmentNotFound
}

// GetMessagesByTimestamp locates the first message with timestamp >= t via
// each segment's time index, then reads count messages from there.
func (p *Partition) GetMessagesByTimestamp(t uint64, count int) ([]message.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, seg := range p.segments {
		entry, ok, err := seg.LoadIndexRangeForTimestamp(t)
		if err != nil {
			return nil, err
		}
		if ok {
			abs := seg.StartOffset() + uint64(entry.RelativeOffset)
			return p.getMessagesByOffsetLocked(abs, count)
		}
	}
	return nil, nil
}

// GetMessagesByConsumer resolves the consumer's stored offset (default 0)
// and reads forward, optionally committing the new offset.
func (p *Partition) GetMessagesByConsumer(consumerID string, count int, autoCommit bool) ([]message.Message, error) {
	return p.getMessagesByStoredOffset(p.offsets.consumerOffset, p.offsets.storeConsumerOffset, consumerID, count, autoCommit)
}

// GetMessagesByConsumerGroupOffset behaves like GetMessagesByConsumer but
// against the group-scoped offset map (the caller, typically the
// consumergroup package, has already resolved which partition this member's
// next poll targets).
func (p *Partition) GetMessagesByConsumerGroupOffset(groupID string, count int, autoCommit bool) ([]message.Message, error) {
	return p.getMessagesByStoredOffset(p.offsets.groupOffset, p.offsets.storeGroupOffset, groupID, count, autoCommit)
}

func (p *Partition) getMessagesByStoredOffset(
	get func(string) (uint64, bool),
	set func(string, uint64) error,
	id string,
	count int,
	autoCommit bool,
) ([]message.Message, error) {
	start := uint64(0)
	if off, ok := get(id); ok {
		start = off + 1
	}
	msgs, err := p.GetMessagesByOffset(start, count)
	if err != nil {
		return nil, err
	}
	if autoCommit && len(msgs) > 0 {
		if err := set(id, msgs[len(msgs)-1].Offset); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// StoreConsumerOffset writes a consumer's offset synchronously (spec §4.2
// store_consumer_offset).
func (p *Partition) StoreConsumerOffset(consumerID string, offset uint64) error {
	return p.offsets.storeConsumerOffset(consumerID, offset)
}

// StoreGroupOffset writes a consumer group's offset synchronously.
func (p *Partition) StoreGroupOffset(groupID string, offset uint64) error {
	return p.offsets.storeGroupOffset(groupID, offset)
}

// Purge deletes all segments, recreates a fresh empty active segment at
// offset 0, and clears the cache and dedup set (spec §4.2 purge()).
func (p *Partition) Purge() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range p.segments {
		if err := seg.Delete(); err != nil {
			return err
		}
	}
	p.segments = nil
	p.currentOffset = 0
	p.shouldIncrementOffset = false
	p.unsavedMessagesCount = 0
	if p.cache != nil {
		p.cache.Clear()
	}
	if p.dedup != nil {
		p.dedup.Clear()
	}
	seg, err := p.newActiveSegment(0)
	if err != nil {
		return err
	}
	p.segments = append(p.segments, seg)
	return nil
}

// PersistUnsaved flushes every segment with buffered messages (invoked by
// the system's persister ticker background task).
func (p *Partition) PersistUnsaved(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, seg := range p.segments {
		if seg.UnsavedCount() == 0 {
			continue
		}
		if _, err := seg.PersistUnsaved(); err != nil {
			p.degrade.RecordFailure(now)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	if firstErr == nil {
		p.degrade.RecordSuccess()
		p.unsavedMessagesCount = 0
	}
	return firstErr
}

// CurrentOffset reports the partition's current offset.
func (p *Partition) CurrentOffset() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentOffset
}

// IsDegraded reports whether the partition is currently rejecting new
// appends due to repeated flush failures.
func (p *Partition) IsDegraded() bool {
	return p.degrade.IsDegraded()
}

// SizeBytes sums the on-disk size of every segment.
func (p *Partition) SizeBytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, seg := range p.segments {
		total += seg.SizeBytes()
	}
	return total
}

// ClosedSegments returns closed segments in ascending start-offset order,
// excluding the active segment, for use by retention/archival tasks.
func (p *Partition) ClosedSegments() []*segment.Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*segment.Segment, 0, len(p.segments))
	for _, seg := range p.segments {
		if seg.IsClosed() {
			out = append(out, seg)
		}
	}
	return out
}

// DeleteSegment removes a specific closed segment from the partition's
// active set (used by retention once a segment has been archived/expired).
func (p *Partition) DeleteSegment(startOffset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, seg := range p.segments {
		if seg.StartOffset() != startOffset {
			continue
		}
		if !seg.IsClosed() {
			return apperr.New(apperr.CodeSegmentClosed, "cannot delete the active segment")
		}
		if err := seg.Delete(); err != nil {
			return err
		}
		p.segments = append(p.segments[:i], p.segments[i+1:]...)
		return nil
	}
	return apperr.ErrSegmentNotFound
}
