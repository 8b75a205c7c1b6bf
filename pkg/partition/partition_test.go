package partition

import (
	"testing"
	"time"

	"github.com/fluxorio/streamline/pkg/message"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/wire"
)

func newTestPartition(t *testing.T, maxSegmentBytes int64) *Partition {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Dir:              dir,
		MaxSegmentBytes:  maxSegmentBytes,
		CacheBytes:       1 << 20,
		ValidateChecksum: true,
		CacheIndexes:     true,
		CacheTimeIndexes: true,
		Persister:        persister.New(persister.Config{}),
		DegradeThreshold: 3,
	}
	p, err := Create(cfg, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func draft(payload string) Draft {
	return Draft{Payload: []byte(payload)}
}

func TestPartition_AppendAssignsConsecutiveOffsets(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	msgs, err := p.AppendMessages([]Draft{draft("a"), draft("b"), draft("c")}, time.Now())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i, m := range msgs {
		if m.Offset != uint64(i) {
			t.Fatalf("message %d offset = %d, want %d", i, m.Offset, i)
		}
	}
	if p.CurrentOffset() != 2 {
		t.Fatalf("current offset = %d, want 2", p.CurrentOffset())
	}

	more, err := p.AppendMessages([]Draft{draft("d")}, time.Now())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if more[0].Offset != 3 {
		t.Fatalf("next offset = %d, want 3", more[0].Offset)
	}
}

func TestPartition_GetMessagesByOffsetFromCache(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b"), draft("c")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := p.GetMessagesByOffset(0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestPartition_SegmentRollsOnFullness(t *testing.T) {
	p := newTestPartition(t, 60) // small enough that every second message fills and closes a segment
	for i := 0; i < 5; i++ {
		if _, err := p.AppendMessages([]Draft{draft("payload")}, time.Now()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	closed := p.ClosedSegments()
	if len(closed) == 0 {
		t.Fatalf("expected at least one closed segment after repeated rolls")
	}

	msgs, err := p.GetMessagesByOffset(0, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages spanning multiple segments, got %d", len(msgs))
	}
}

func TestPartition_ConsumerOffsetAutoCommit(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b"), draft("c")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := p.GetMessagesByConsumer("consumer-1", 2, true)
	if err != nil {
		t.Fatalf("get by consumer: %v", err)
	}
	if len(first) != 2 || first[0].Offset != 0 || first[1].Offset != 1 {
		t.Fatalf("unexpected first batch: %+v", first)
	}

	second, err := p.GetMessagesByConsumer("consumer-1", 2, true)
	if err != nil {
		t.Fatalf("get by consumer: %v", err)
	}
	if len(second) != 1 || second[0].Offset != 2 {
		t.Fatalf("unexpected second batch: %+v", second)
	}
}

func TestPartition_DedupDropsRepeatedID(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Dir:             dir,
		MaxSegmentBytes: 1 << 20,
		DedupEnabled:    true,
		DedupMaxEntries: 100,
		DedupExpiry:     time.Hour,
		Persister:       persister.New(persister.Config{}),
	}
	p, err := Create(cfg, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id := wire.U128{Lo: 1, Hi: 0}
	if _, err := p.AppendMessages([]Draft{{ID: id, Payload: []byte("a")}}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	dup, err := p.AppendMessages([]Draft{{ID: id, Payload: []byte("a-again")}}, time.Now())
	if err != nil {
		t.Fatalf("append dup: %v", err)
	}
	if dup != nil {
		t.Fatalf("expected duplicate id to be dropped, got %+v", dup)
	}
	if p.CurrentOffset() != 0 {
		t.Fatalf("current offset should not advance on an all-duplicate batch, got %d", p.CurrentOffset())
	}
}

func TestPartition_Purge(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.Purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if p.CurrentOffset() != 0 {
		t.Fatalf("expected offset reset to 0 after purge, got %d", p.CurrentOffset())
	}
	msgs, err := p.GetMessagesByOffset(0, 10)
	if err != nil {
		t.Fatalf("get after purge: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after purge, got %d", len(msgs))
	}
}

func TestPartition_DefaultReadSkipsMarkedForDeletion(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b"), draft("c")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.SetMessageState(1, message.StateMarkedForDeletion); err != nil {
		t.Fatalf("set message state: %v", err)
	}

	msgs, err := p.GetMessagesByOffset(0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected marked-for-deletion message to be skipped, got %d messages: %+v", len(msgs), msgs)
	}
	for _, m := range msgs {
		if m.Offset == 1 {
			t.Fatalf("marked-for-deletion message at offset 1 leaked into default read: %+v", m)
		}
	}
}

func TestPartition_PoisonedMessageReturnedButFlagged(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.SetMessageState(0, message.StatePoisoned); err != nil {
		t.Fatalf("set message state: %v", err)
	}

	msgs, err := p.GetMessagesByOffset(0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected poisoned message to remain visible, got %d messages", len(msgs))
	}
	if msgs[0].State != message.StatePoisoned {
		t.Fatalf("expected offset 0 flagged poisoned, got state %v", msgs[0].State)
	}
}

func TestPartition_OffsetRangeSurfacesMarkedForDeletion(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b"), draft("c")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.SetMessageState(1, message.StateMarkedForDeletion); err != nil {
		t.Fatalf("set message state: %v", err)
	}

	msgs, err := p.GetMessagesByOffsetRange(0, 2)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected inclusive range to surface all 3 messages, got %d", len(msgs))
	}
	if msgs[1].State != message.StateMarkedForDeletion {
		t.Fatalf("expected offset 1 to report marked-for-deletion, got state %v", msgs[1].State)
	}
}

func TestPartition_SetMessageStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Dir:              dir,
		MaxSegmentBytes:  1 << 20,
		ValidateChecksum: true,
		CacheIndexes:     true,
		Persister:        persister.New(persister.Config{}),
	}
	p, err := Create(cfg, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.PersistUnsaved(time.Now()); err != nil {
		t.Fatalf("persist unsaved: %v", err)
	}
	if err := p.SetMessageState(1, message.StateMarkedForDeletion); err != nil {
		t.Fatalf("set message state: %v", err)
	}

	reopened, err := Open(cfg, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs, err := reopened.GetMessagesByOffsetRange(0, 1)
	if err != nil {
		t.Fatalf("get range after reopen: %v", err)
	}
	if len(msgs) != 2 || msgs[1].State != message.StateMarkedForDeletion {
		t.Fatalf("expected marked-for-deletion state to persist across restart, got %+v", msgs)
	}
}

func TestPartition_OpenRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Dir:              dir,
		MaxSegmentBytes:  1 << 20,
		ValidateChecksum: true,
		Persister:        persister.New(persister.Config{}),
	}
	p, err := Create(cfg, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.AppendMessages([]Draft{draft("a"), draft("b")}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.PersistUnsaved(time.Now()); err != nil {
		t.Fatalf("persist unsaved: %v", err)
	}
	if err := p.StoreConsumerOffset("consumer-1", 0); err != nil {
		t.Fatalf("store consumer offset: %v", err)
	}

	reopened, err := Open(cfg, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reopened.CurrentOffset() != 1 {
		t.Fatalf("recovered current offset = %d, want 1", reopened.CurrentOffset())
	}
	msgs, err := reopened.GetMessagesByConsumer("consumer-1", 10, false)
	if err != nil {
		t.Fatalf("get by consumer after reopen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Offset != 1 {
		t.Fatalf("expected to resume after stored offset 0, got %+v", msgs)
	}
}
