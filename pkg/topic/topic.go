// Package topic implements the CORE's Topic (spec §3.5/§4.3, component C):
// the partition collection for one topic, partitioning-policy resolution,
// partition count management, the topic's consumer-group registry, and
// size/expiry retention enforcement.
//
// Grounded on the teacher's map-of-sub-resources-under-a-lock shape (the
// same pattern pkg/partition uses for its own segment slice) and Sarama's
// admin.go topic/partition count vocabulary (CreatePartitionsRequest). The
// key-hash partitioning policy is grounded on cespare/xxhash/v2, already the
// CORE's checksum hash (pkg/message), reused here for spec §4.3's
// "32-bit xxhash-class function".
package topic

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/consumergroup"
	"github.com/fluxorio/streamline/pkg/message"
	"github.com/fluxorio/streamline/pkg/partition"
	"github.com/fluxorio/streamline/pkg/wire"
)

// metadataFilename holds a topic's name and retention/replication policy,
// the state a bare numeric partition subdirectory listing cannot recover
// (spec §4.6 startup step 2 needs the topic's Name, ReplicationFactor, and
// CompressionAlgorithm restored exactly as configured).
const metadataFilename = "metadata.bin"

// metadataFormatV1 is a topic directory written before replication_factor
// and compression_algorithm were tracked (resolves spec §9's Open Question
// on legacy format detection): name, message expiry, and max size only.
// metadataFormatV2 adds replication factor, compression algorithm, and
// group liveness window. metadataFormatV3 adds the last-used partitioning
// policy (spec §4.3: append_messages calls that omit an explicit policy
// fall back to the topic's last one). Each older format is upgraded in
// place to the current one on Open.
const (
	metadataFormatV1 byte = 1
	metadataFormatV2 byte = 2
	metadataFormatV3 byte = 3
)

// PartitioningKind discriminates the PartitioningPolicy variants (spec §4.3
// append_messages). Default is the zero value: resolvePartitionID replaces
// it with the topic's persisted last-used policy, falling back to Balanced
// if none has been recorded yet.
type PartitioningKind uint8

const (
	Default PartitioningKind = iota
	PartitionID
	Balanced
	MessagesKey
)

// PartitioningPolicy selects which partition an append_messages call targets.
type PartitioningPolicy struct {
	Kind        PartitioningKind
	PartitionID uint32 // valid when Kind == PartitionID
	Key         []byte // valid when Kind == MessagesKey
}

// defaultPolicy is the subset of a PartitioningPolicy worth remembering as a
// topic-wide fallback: a Key is per-message and not meaningfully "sticky",
// so only PartitionID and Balanced choices are recorded.
type defaultPolicy struct {
	kind        PartitioningKind
	partitionID uint32
}

// Config configures one topic's partitions and policies.
type Config struct {
	Dir                    string
	StreamID, TopicID      uint32
	Name                   string
	MessageExpiry          time.Duration
	MaxTopicSizeBytes      int64 // <= 0 disables size-based retention
	ReplicationFactor      uint8
	CompressionAlgorithm   string
	GroupLivenessWindow    time.Duration
	PartitionTemplate      partition.Config // Dir/StreamID/TopicID/PartitionID overwritten per partition
}

// Topic is the ordered collection of partitions sharing a retention and
// compression policy (spec §3.5).
type Topic struct {
	cfg Config

	mu         sync.RWMutex
	partitions map[uint32]*partition.Partition
	order      []uint32 // ascending partition ids, maintained for Balanced round-robin and retention scans

	balancedCounter uint64 // atomic round-robin cursor for Balanced policy

	groups map[uint32]*consumergroup.Group

	lastPolicy atomic.Value // holds defaultPolicy; the policy a Default append falls back to

	sizeBytes      int64 // atomic
	messagesCount  int64 // atomic
	createdAt      time.Time
}

// Create builds a brand-new topic directory with n partitions.
func Create(cfg Config, n uint32, now time.Time) (*Topic, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "partitions"), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotCreatePartition, "create partitions dir", err)
	}
	t := newTopic(cfg, now)
	if err := t.writeMetadata(); err != nil {
		return nil, err
	}
	for i := uint32(1); i <= n; i++ {
		if err := t.createPartitionLocked(i, now); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Open recovers a topic from an existing directory: loads persisted
// name/replication/compression metadata (upgrading a legacy-format file in
// place), then enumerates partition subdirectories and reopens each (spec
// §4.6 startup step 2).
func Open(cfg Config, now time.Time) (*Topic, error) {
	t := newTopic(cfg, now)

	upgraded, err := t.readMetadata()
	if err != nil {
		return nil, err
	}
	if upgraded {
		if err := t.writeMetadata(); err != nil {
			return nil, err
		}
	}

	ids, err := listPartitionDirs(filepath.Join(cfg.Dir, "partitions"))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		pCfg := t.partitionConfig(id)
		p, err := partition.Open(pCfg, now)
		if err != nil {
			return nil, err
		}
		t.partitions[id] = p
		t.order = append(t.order, id)
		atomic.AddInt64(&t.sizeBytes, p.SizeBytes())
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	return t, nil
}

// writeMetadata persists the topic's name and policy in the current (V3)
// format.
func (t *Topic) writeMetadata() error {
	w := wire.NewWriter(72)
	w.WriteByte(metadataFormatV3)
	w.WriteBytesWithLen([]byte(t.cfg.Name))
	w.WriteU64(uint64(t.cfg.MessageExpiry))
	w.WriteU64(uint64(t.cfg.MaxTopicSizeBytes))
	w.WriteByte(t.cfg.ReplicationFactor)
	w.WriteBytesWithLen([]byte(t.cfg.CompressionAlgorithm))
	w.WriteU64(uint64(t.cfg.GroupLivenessWindow))
	dp, _ := t.lastPolicy.Load().(defaultPolicy)
	w.WriteByte(byte(dp.kind))
	w.WriteU32(dp.partitionID)

	path := filepath.Join(t.cfg.Dir, metadataFilename)
	if err := t.cfg.PartitionTemplate.Persister.Overwrite(path, w.Bytes()); err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "write topic metadata", err)
	}
	return nil
}

// readMetadata loads persisted name/policy into t.cfg, returning whether
// the file was a legacy (V1 or V2) format that needs rewriting. A topic directory
// with no metadata file yet (never persisted) is not an error: t.cfg's
// caller-supplied values stand.
func (t *Topic) readMetadata() (upgraded bool, err error) {
	path := filepath.Join(t.cfg.Dir, metadataFilename)
	data, err := t.cfg.PartitionTemplate.Persister.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.CodeCannotReadFile, "read topic metadata", err)
	}

	r := wire.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "empty topic metadata file")
	}
	if version != metadataFormatV1 && version != metadataFormatV2 && version != metadataFormatV3 {
		return false, apperr.New(apperr.CodeCorruptStateLog, "unsupported topic metadata format version")
	}

	name, err := r.ReadBytesWithLen()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	messageExpiry, err := r.ReadU64()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	maxTopicSize, err := r.ReadU64()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}

	t.cfg.Name = string(name)
	t.cfg.MessageExpiry = time.Duration(messageExpiry)
	t.cfg.MaxTopicSizeBytes = int64(maxTopicSize)

	if version == metadataFormatV1 {
		// Legacy directory: no replication_factor/compression_algorithm
		// marker. Apply defaults and signal that Open must rewrite this
		// file in the current format before admitting the topic.
		t.cfg.ReplicationFactor = 1
		t.cfg.CompressionAlgorithm = "none"
		return true, nil
	}

	replicationFactor, err := r.ReadByte()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	compressionAlgorithm, err := r.ReadBytesWithLen()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	groupLivenessWindow, err := r.ReadU64()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	t.cfg.ReplicationFactor = replicationFactor
	t.cfg.CompressionAlgorithm = string(compressionAlgorithm)
	t.cfg.GroupLivenessWindow = time.Duration(groupLivenessWindow)

	if version == metadataFormatV2 {
		// No persisted default policy yet: keep newTopic's Balanced baseline
		// and signal that Open must rewrite this file in the current format.
		return true, nil
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	partitionID, err := r.ReadU32()
	if err != nil {
		return false, apperr.New(apperr.CodeCorruptStateLog, "truncated topic metadata")
	}
	t.lastPolicy.Store(defaultPolicy{kind: PartitioningKind(kindByte), partitionID: partitionID})
	return false, nil
}

// rememberPolicy updates the topic's persisted fallback policy if policy
// differs from what is currently recorded, writing metadata.bin only on an
// actual change so repeated identical append calls stay off the disk path.
func (t *Topic) rememberPolicy(policy PartitioningPolicy) error {
	next := defaultPolicy{kind: policy.Kind, partitionID: policy.PartitionID}
	if prev, ok := t.lastPolicy.Load().(defaultPolicy); ok && prev == next {
		return nil
	}
	t.lastPolicy.Store(next)
	return t.writeMetadata()
}

func newTopic(cfg Config, now time.Time) *Topic {
	t := &Topic{
		cfg:        cfg,
		partitions: make(map[uint32]*partition.Partition),
		groups:     make(map[uint32]*consumergroup.Group),
		createdAt:  now,
	}
	t.lastPolicy.Store(defaultPolicy{kind: Balanced})
	return t
}

func (t *Topic) partitionConfig(id uint32) partition.Config {
	pCfg := t.cfg.PartitionTemplate
	pCfg.Dir = filepath.Join(t.cfg.Dir, "partitions", strconv.FormatUint(uint64(id), 10))
	pCfg.StreamID = t.cfg.StreamID
	pCfg.TopicID = t.cfg.TopicID
	pCfg.PartitionID = id
	pCfg.MessageExpiry = t.cfg.MessageExpiry
	return pCfg
}

func (t *Topic) createPartitionLocked(id uint32, now time.Time) error {
	pCfg := t.partitionConfig(id)
	if err := os.MkdirAll(pCfg.Dir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeCannotCreatePartition, "create partition dir", err)
	}
	p, err := partition.Create(pCfg, now)
	if err != nil {
		return err
	}
	t.partitions[id] = p
	t.order = append(t.order, id)
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	return nil
}

func listPartitionDirs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeCannotReadFile, "read partitions dir "+dir, err)
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(v))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// resolvePartitionID implements spec §4.3's three partitioning policies.
func (t *Topic) resolvePartitionID(policy PartitioningPolicy) (uint32, error) {
	switch policy.Kind {
	case Default:
		dp, _ := t.lastPolicy.Load().(defaultPolicy)
		if dp.kind == PartitionID {
			return t.resolvePartitionID(PartitioningPolicy{Kind: PartitionID, PartitionID: dp.partitionID})
		}
		return t.resolvePartitionID(PartitioningPolicy{Kind: Balanced})
	case PartitionID:
		if _, ok := t.partitions[policy.PartitionID]; !ok {
			return 0, apperr.ErrPartitionNotFound
		}
		return policy.PartitionID, nil
	case Balanced:
		n := uint64(len(t.order))
		if n == 0 {
			return 0, apperr.ErrPartitionNotFound
		}
		next := atomic.AddUint64(&t.balancedCounter, 1) - 1
		return t.order[next%n], nil
	case MessagesKey:
		n := uint64(len(t.order))
		if n == 0 {
			return 0, apperr.ErrPartitionNotFound
		}
		h := xxhash.Sum64(policy.Key) % n
		if h == 0 {
			h = n
		}
		return t.order[h-1], nil
	default:
		return 0, apperr.New(apperr.CodeInvalidCommand, "unknown partitioning policy")
	}
}

// AppendMessages resolves a target partition from policy and forwards the
// batch to it (spec §4.3 append_messages). An explicit PartitionID or
// Balanced policy becomes the topic's new fallback for future Default
// requests, persisted to metadata so it survives a restart; a Default
// request reuses whatever was last recorded.
func (t *Topic) AppendMessages(policy PartitioningPolicy, drafts []partition.Draft, now time.Time) ([]message.Message, error) {
	t.mu.RLock()
	id, err := t.resolvePartitionID(policy)
	if err != nil {
		t.mu.RUnlock()
		return nil, err
	}
	p := t.partitions[id]
	t.mu.RUnlock()

	if policy.Kind == PartitionID || policy.Kind == Balanced {
		if err := t.rememberPolicy(policy); err != nil {
			return nil, err
		}
	}

	msgs, err := p.AppendMessages(drafts, now)
	if err != nil {
		return nil, err
	}
	var sz int64
	for _, m := range msgs {
		sz += int64(len(m.Payload))
	}
	atomic.AddInt64(&t.sizeBytes, sz)
	atomic.AddInt64(&t.messagesCount, int64(len(msgs)))
	return msgs, nil
}

// GetMessagesByOffset forwards a direct offset read to the named partition.
func (t *Topic) GetMessagesByOffset(partitionID uint32, start uint64, count int) ([]message.Message, error) {
	p, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return p.GetMessagesByOffset(start, count)
}

// GetMessagesByOffsetRange forwards an inclusive-range offset read to the
// named partition, bypassing the default skip of messages marked for
// deletion (spec §3.2 explicit soft-delete bypass).
func (t *Topic) GetMessagesByOffsetRange(partitionID uint32, start, end uint64) ([]message.Message, error) {
	p, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return p.GetMessagesByOffsetRange(start, end)
}

// SetMessageState forwards a message lifecycle-state mutation (spec §3.2
// Poisoned/MarkedForDeletion) to the named partition.
func (t *Topic) SetMessageState(partitionID uint32, offset uint64, state message.State) error {
	p, err := t.partition(partitionID)
	if err != nil {
		return err
	}
	return p.SetMessageState(offset, state)
}

// GetMessagesByConsumer forwards to the named partition's stored-consumer-
// offset read path.
func (t *Topic) GetMessagesByConsumer(partitionID uint32, consumerID string, count int, autoCommit bool) ([]message.Message, error) {
	p, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return p.GetMessagesByConsumer(consumerID, count, autoCommit)
}

// GetMessagesByConsumerGroup resolves the next partition assignment for
// memberID within groupID, then reads from that partition using the group's
// stored offset (spec §4.3 get_messages forwarding, §4.5 round-robin-per-
// member polling).
func (t *Topic) GetMessagesByConsumerGroup(groupID, memberID uint32, count int, autoCommit bool) ([]message.Message, error) {
	g, err := t.group(groupID)
	if err != nil {
		return nil, err
	}
	partitionID, err := g.NextPartition(memberID)
	if err != nil {
		return nil, err
	}
	p, err := t.partition(partitionID)
	if err != nil {
		return nil, err
	}
	return p.GetMessagesByConsumerGroupOffset(strconv.FormatUint(uint64(groupID), 10), count, autoCommit)
}

func (t *Topic) partition(id uint32) (*partition.Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partitions[id]
	if !ok {
		return nil, apperr.ErrPartitionNotFound
	}
	return p, nil
}

// PartitionByID exposes a single partition by id for background tasks
// (persister, retention) that operate below the append/poll API.
func (t *Topic) PartitionByID(id uint32) (*partition.Partition, error) {
	return t.partition(id)
}

// PartitionIDs returns every partition id currently assigned to the topic,
// in ascending order.
func (t *Topic) PartitionIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, len(t.order))
	copy(ids, t.order)
	return ids
}

// CreatePartitions extends the partition set by n partitions, then triggers
// reassignment on every consumer group (spec §4.3 create_partitions).
func (t *Topic) CreatePartitions(n uint32, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := uint32(len(t.order)) + 1
	for i := uint32(0); i < n; i++ {
		if err := t.createPartitionLocked(start+i, now); err != nil {
			return err
		}
	}
	for _, g := range t.groups {
		g.SetPartitionsCount(uint32(len(t.order)), now)
	}
	return nil
}

// DeletePartitions shrinks the partition set by n partitions (highest IDs
// first), removing their directories, then triggers reassignment on every
// consumer group (spec §4.3 delete_partitions).
func (t *Topic) DeletePartitions(n uint32, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > uint32(len(t.order)) {
		n = uint32(len(t.order))
	}
	for i := uint32(0); i < n; i++ {
		id := t.order[len(t.order)-1]
		t.order = t.order[:len(t.order)-1]
		delete(t.partitions, id)
		if err := os.RemoveAll(filepath.Join(t.cfg.Dir, "partitions", strconv.FormatUint(uint64(id), 10))); err != nil {
			return apperr.Wrap(apperr.CodeCannotReadFile, "remove partition dir", err)
		}
	}
	for _, g := range t.groups {
		g.SetPartitionsCount(uint32(len(t.order)), now)
	}
	return nil
}

// Purge purges every partition in this topic, resetting offsets, segments,
// caches, and dedup sets while leaving the partitions themselves in place.
func (t *Topic) Purge() error {
	t.mu.RLock()
	partitions := make([]*partition.Partition, 0, len(t.partitions))
	for _, p := range t.partitions {
		partitions = append(partitions, p)
	}
	t.mu.RUnlock()

	for _, p := range partitions {
		if err := p.Purge(); err != nil {
			return err
		}
	}
	atomic.StoreInt64(&t.sizeBytes, 0)
	atomic.StoreInt64(&t.messagesCount, 0)
	return nil
}

// CreateGroup registers a new consumer group scoped to this topic.
func (t *Topic) CreateGroup(groupID uint32, name string) *consumergroup.Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := consumergroup.New(t.cfg.TopicID, groupID, name, uint32(len(t.order)), t.cfg.GroupLivenessWindow)
	t.groups[groupID] = g
	return g
}

// DeleteGroup removes a consumer group from this topic.
func (t *Topic) DeleteGroup(groupID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, groupID)
}

func (t *Topic) group(groupID uint32) (*consumergroup.Group, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[groupID]
	if !ok {
		return nil, apperr.ErrConsumerGroupNotFound
	}
	return g, nil
}

// SizeBytes reports the topic's current accumulated payload size.
func (t *Topic) SizeBytes() int64 { return atomic.LoadInt64(&t.sizeBytes) }

// MessagesCount reports the topic's total appended-message count.
func (t *Topic) MessagesCount() int64 { return atomic.LoadInt64(&t.messagesCount) }

// PartitionCount reports the number of partitions currently in this topic.
func (t *Topic) PartitionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// EnforceRetention implements spec §4.3's background retention sweep: size
// budget enforcement (delete oldest closed segments across partitions,
// favoring the partition with the oldest segment, until under budget) and
// message-expiry enforcement (delete any closed segment whose entire
// content is expired). The active segment of any partition is never
// deleted. archive, if non-nil, is invoked with each segment's partition id
// and start offset before deletion (spec §4.6 Archiver background task).
func (t *Topic) EnforceRetention(now time.Time, archive func(partitionID uint32, startOffset uint64) error) error {
	t.mu.RLock()
	order := append([]uint32(nil), t.order...)
	partitions := make(map[uint32]*partition.Partition, len(t.partitions))
	for id, p := range t.partitions {
		partitions[id] = p
	}
	t.mu.RUnlock()

	if t.cfg.MessageExpiry > 0 {
		for _, id := range order {
			p := partitions[id]
			for _, seg := range p.ClosedSegments() {
				if !seg.IsExpired(now) {
					continue
				}
				if archive != nil {
					if err := archive(id, seg.StartOffset()); err != nil {
						return err
					}
				}
				if err := p.DeleteSegment(seg.StartOffset()); err != nil {
					return err
				}
				atomic.AddInt64(&t.sizeBytes, -seg.SizeBytes())
			}
		}
	}

	if t.cfg.MaxTopicSizeBytes > 0 {
		for t.SizeBytes() > t.cfg.MaxTopicSizeBytes {
			oldestPartition, oldestStart, found := findOldestClosedSegment(order, partitions)
			if !found {
				break // nothing left to evict; over budget is unavoidable
			}
			p := partitions[oldestPartition]
			if archive != nil {
				if err := archive(oldestPartition, oldestStart); err != nil {
					return err
				}
			}
			sizeBefore := p.SizeBytes()
			if err := p.DeleteSegment(oldestStart); err != nil {
				return err
			}
			atomic.AddInt64(&t.sizeBytes, -(sizeBefore - p.SizeBytes()))
		}
	}
	return nil
}

func findOldestClosedSegment(order []uint32, partitions map[uint32]*partition.Partition) (partitionID uint32, startOffset uint64, found bool) {
	var oldestTs uint64
	for _, id := range order {
		for _, seg := range partitions[id].ClosedSegments() {
			ts := seg.LastMessageTimestamp()
			if !found || ts < oldestTs {
				found = true
				oldestTs = ts
				partitionID = id
				startOffset = seg.StartOffset()
			}
		}
	}
	return partitionID, startOffset, found
}

// Name reports the topic's name.
func (t *Topic) Name() string { return t.cfg.Name }

// StreamID reports the id of the stream this topic belongs to.
func (t *Topic) StreamID() uint32 { return t.cfg.StreamID }

// TopicID reports this topic's own id.
func (t *Topic) TopicID() uint32 { return t.cfg.TopicID }

// CreatedAt reports when this topic was created or opened.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }
