package topic

import (
	"os"
	"testing"
	"time"

	"github.com/fluxorio/streamline/pkg/message"
	"github.com/fluxorio/streamline/pkg/partition"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/wire"
)

func newTestTopic(t *testing.T, n uint32) *Topic {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		Name:     "events",
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        persister.New(persister.Config{}),
		},
	}
	top, err := Create(cfg, n, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return top
}

func draft(payload string) partition.Draft {
	return partition.Draft{Payload: []byte(payload)}
}

func TestTopic_AppendByPartitionID(t *testing.T) {
	top := newTestTopic(t, 3)
	msgs, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 2}, []partition.Draft{draft("a")}, time.Now())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got, err := top.GetMessagesByOffset(2, 0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected to find the message on partition 2, got %d messages", len(got))
	}
}

func TestTopic_SetMessageStateGatesDefaultRead(t *testing.T) {
	top := newTestTopic(t, 1)
	if _, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 1}, []partition.Draft{draft("a"), draft("b")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := top.SetMessageState(1, 1, message.StateMarkedForDeletion); err != nil {
		t.Fatalf("set message state: %v", err)
	}

	got, err := top.GetMessagesByOffset(1, 0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected marked-for-deletion message to be skipped by default read, got %d", len(got))
	}

	all, err := top.GetMessagesByOffsetRange(1, 0, 1)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(all) != 2 || all[1].State != message.StateMarkedForDeletion {
		t.Fatalf("expected explicit range read to surface marked-for-deletion message, got %+v", all)
	}
}

func TestTopic_AppendByPartitionIDUnknownFails(t *testing.T) {
	top := newTestTopic(t, 2)
	_, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 99}, []partition.Draft{draft("a")}, time.Now())
	if err == nil {
		t.Fatalf("expected error for unknown partition id")
	}
}

func TestTopic_BalancedRoundRobinsAcrossPartitions(t *testing.T) {
	top := newTestTopic(t, 3)
	hit := make(map[uint32]int)
	for i := 0; i < 6; i++ {
		top.mu.RLock()
		id, err := top.resolvePartitionID(PartitioningPolicy{Kind: Balanced})
		top.mu.RUnlock()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		hit[id]++
	}
	if len(hit) != 3 {
		t.Fatalf("expected all 3 partitions to be hit, got %d", len(hit))
	}
	for id, count := range hit {
		if count != 2 {
			t.Fatalf("expected even distribution, partition %d got %d hits", id, count)
		}
	}
}

func TestTopic_MessagesKeyIsDeterministic(t *testing.T) {
	top := newTestTopic(t, 4)
	top.mu.RLock()
	a, err := top.resolvePartitionID(PartitioningPolicy{Kind: MessagesKey, Key: []byte("order-42")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := top.resolvePartitionID(PartitioningPolicy{Kind: MessagesKey, Key: []byte("order-42")})
	top.mu.RUnlock()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a != b {
		t.Fatalf("expected same key to resolve to the same partition, got %d and %d", a, b)
	}
}

func TestTopic_CreateAndDeletePartitions(t *testing.T) {
	top := newTestTopic(t, 2)
	if err := top.CreatePartitions(2, time.Now()); err != nil {
		t.Fatalf("create partitions: %v", err)
	}
	if top.PartitionCount() != 4 {
		t.Fatalf("expected 4 partitions, got %d", top.PartitionCount())
	}
	if err := top.DeletePartitions(1, time.Now()); err != nil {
		t.Fatalf("delete partitions: %v", err)
	}
	if top.PartitionCount() != 3 {
		t.Fatalf("expected 3 partitions after delete, got %d", top.PartitionCount())
	}
}

func TestTopic_ConsumerGroupAssignmentAndPoll(t *testing.T) {
	top := newTestTopic(t, 2)
	now := time.Now()
	g := top.CreateGroup(1, "workers")
	g.Join(10, now)

	if _, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 1}, []partition.Draft{draft("a")}, now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 2}, []partition.Draft{draft("b")}, now); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := top.GetMessagesByConsumerGroup(1, 10, 10, true)
	if err != nil {
		t.Fatalf("get by group: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message from the assigned partition, got %d", len(msgs))
	}
}

func TestTopic_ConsumerGroupUnknownFails(t *testing.T) {
	top := newTestTopic(t, 2)
	if _, err := top.GetMessagesByConsumerGroup(99, 1, 10, true); err == nil {
		t.Fatalf("expected error for unknown group")
	}
}

func TestTopic_RetentionDeletesExpiredClosedSegmentsOnly(t *testing.T) {
	top := newTestTopic(t, 1)
	now := time.Now()
	top.cfg.MessageExpiry = time.Millisecond

	if _, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 1}, []partition.Draft{draft("a")}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Force the segment closed by persisting and reopening is unnecessary here;
	// an open active segment is never eligible for expiry deletion regardless
	// of message age, so retention should be a no-op against a single partition
	// with only an active segment.
	if err := top.EnforceRetention(now, nil); err != nil {
		t.Fatalf("enforce retention: %v", err)
	}
	msgs, err := top.GetMessagesByOffset(1, 0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected active segment message to survive retention, got %d", len(msgs))
	}
}

func TestTopic_OpenRecoversPersistedNameAndPolicy(t *testing.T) {
	dir := t.TempDir()
	p := persister.New(persister.Config{})
	cfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		Name:     "orders",
		ReplicationFactor:    3,
		CompressionAlgorithm: "gzip",
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        p,
		},
	}
	if _, err := Create(cfg, 2, time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}

	reopenCfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        p,
		},
	}
	top, err := Open(reopenCfg, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if top.Name() != "orders" {
		t.Fatalf("Name() = %q, want orders", top.Name())
	}
	if top.cfg.ReplicationFactor != 3 {
		t.Fatalf("ReplicationFactor = %d, want 3", top.cfg.ReplicationFactor)
	}
	if top.cfg.CompressionAlgorithm != "gzip" {
		t.Fatalf("CompressionAlgorithm = %q, want gzip", top.cfg.CompressionAlgorithm)
	}
	if top.PartitionCount() != 2 {
		t.Fatalf("PartitionCount() = %d, want 2", top.PartitionCount())
	}
}

func TestTopic_OpenUpgradesLegacyMetadataFormat(t *testing.T) {
	dir := t.TempDir()
	p := persister.New(persister.Config{})

	w := wire.NewWriter(32)
	w.WriteByte(metadataFormatV1)
	w.WriteBytesWithLen([]byte("legacy-topic"))
	w.WriteU64(0)
	w.WriteU64(0)
	if err := p.Overwrite(dir+"/metadata.bin", w.Bytes()); err != nil {
		t.Fatalf("seed legacy metadata: %v", err)
	}
	if err := os.MkdirAll(dir+"/partitions", 0o755); err != nil {
		t.Fatalf("mkdir partitions: %v", err)
	}

	cfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        p,
		},
	}
	top, err := Open(cfg, time.Now())
	if err != nil {
		t.Fatalf("open legacy topic: %v", err)
	}
	if top.Name() != "legacy-topic" {
		t.Fatalf("Name() = %q, want legacy-topic", top.Name())
	}
	if top.cfg.ReplicationFactor != 1 {
		t.Fatalf("upgraded ReplicationFactor = %d, want default 1", top.cfg.ReplicationFactor)
	}
	if top.cfg.CompressionAlgorithm != "none" {
		t.Fatalf("upgraded CompressionAlgorithm = %q, want none", top.cfg.CompressionAlgorithm)
	}

	data, err := p.Read(dir + "/metadata.bin")
	if err != nil {
		t.Fatalf("read rewritten metadata: %v", err)
	}
	if data[0] != metadataFormatV3 {
		t.Fatalf("metadata file was not upgraded to V3 in place, version byte = %d", data[0])
	}
}

func TestTopic_DefaultPolicyFallsBackToBalancedUntilSet(t *testing.T) {
	top := newTestTopic(t, 3)
	top.mu.RLock()
	id, err := top.resolvePartitionID(PartitioningPolicy{Kind: Default})
	top.mu.RUnlock()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected a never-configured default to balance starting at partition 1, got %d", id)
	}
}

func TestTopic_DefaultPolicyPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	p := persister.New(persister.Config{})
	cfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		Name:     "orders",
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        p,
		},
	}
	top, err := Create(cfg, 3, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := top.AppendMessages(PartitioningPolicy{Kind: PartitionID, PartitionID: 2}, []partition.Draft{draft("a")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopenCfg := Config{
		Dir:      dir,
		StreamID: 1,
		TopicID:  1,
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  1 << 20,
			ValidateChecksum: true,
			Persister:        p,
		},
	}
	reopened, err := Open(reopenCfg, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reopened.mu.RLock()
	id, err := reopened.resolvePartitionID(PartitioningPolicy{Kind: Default})
	reopened.mu.RUnlock()
	if err != nil {
		t.Fatalf("resolve default after restart: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected the persisted default policy to target partition 2, got %d", id)
	}
}

func TestTopic_OpenRejectsUnknownMetadataVersion(t *testing.T) {
	dir := t.TempDir()
	p := persister.New(persister.Config{})
	if err := p.Overwrite(dir+"/metadata.bin", []byte{99, 0, 0, 0, 0}); err != nil {
		t.Fatalf("seed corrupt metadata: %v", err)
	}
	if err := os.MkdirAll(dir+"/partitions", 0o755); err != nil {
		t.Fatalf("mkdir partitions: %v", err)
	}

	cfg := Config{
		Dir:      dir,
		PartitionTemplate: partition.Config{Persister: p},
	}
	if _, err := Open(cfg, time.Now()); err == nil {
		t.Fatalf("expected an unknown metadata format version to fail")
	}
}
