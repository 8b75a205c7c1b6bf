package system

import (
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/auth"
	"github.com/fluxorio/streamline/pkg/config"
	"github.com/fluxorio/streamline/pkg/id"
)

func newTestSystem(t *testing.T, dir string) *System {
	t.Helper()
	sys, err := Open(Options{
		Dir:           dir,
		Config:        config.Default(),
		SessionSecret: []byte("test-secret"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sys
}

func TestSystem_OpenOnEmptyDirStartsBlank(t *testing.T) {
	sys := newTestSystem(t, t.TempDir())
	if _, err := sys.Stream(id.Numeric(1)); err == nil {
		t.Fatalf("expected no streams on a fresh system")
	}
}

func TestSystem_CreateStreamAndTopicAreQueryable(t *testing.T) {
	sys := newTestSystem(t, t.TempDir())
	now := time.Now()

	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	topicID, err := sys.CreateTopic(1, streamID, "events", 3, now)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	st, err := sys.Stream(id.Numeric(streamID))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	top, err := st.Topic(id.Numeric(topicID))
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if top.PartitionCount() != 3 {
		t.Fatalf("PartitionCount() = %d, want 3", top.PartitionCount())
	}
}

func TestSystem_RestartReplaysCatalogFromStateLog(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	sys := newTestSystem(t, dir)
	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := sys.CreateTopic(1, streamID, "events", 2, now); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	reopened := newTestSystem(t, dir)
	st, err := reopened.Stream(id.Name("orders"))
	if err != nil {
		t.Fatalf("Stream by name after restart: %v", err)
	}
	top, err := st.Topic(id.Name("events"))
	if err != nil {
		t.Fatalf("Topic by name after restart: %v", err)
	}
	if top.PartitionCount() != 2 {
		t.Fatalf("PartitionCount() after restart = %d, want 2", top.PartitionCount())
	}
}

func TestSystem_DeleteStreamRemovesItFromCatalog(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	sys := newTestSystem(t, dir)

	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if err := sys.DeleteStream(1, streamID, now); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, err := sys.Stream(id.Numeric(streamID)); err == nil {
		t.Fatalf("expected deleted stream to be gone")
	}

	reopened := newTestSystem(t, dir)
	if _, err := reopened.Stream(id.Numeric(streamID)); err == nil {
		t.Fatalf("expected deletion to survive a restart")
	}
}

func TestSystem_CreateUserIsAuthenticatable(t *testing.T) {
	sys := newTestSystem(t, t.TempDir())
	now := time.Now()

	if err := sys.CreateUser(1, 2, "alice", "hunter2", auth.Permissions{Global: auth.GlobalPermissions{ManageStreams: true}}, now); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := sys.Auth().Authenticate("alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.ID != 2 {
		t.Fatalf("authenticated user ID = %d, want 2", u.ID)
	}
}

func TestSystem_StoreConsumerOffsetSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	sys := newTestSystem(t, dir)

	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	topicID, err := sys.CreateTopic(1, streamID, "events", 1, now)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := sys.StoreConsumerOffset(1, streamID, topicID, 1, "worker-a", 42, now); err != nil {
		t.Fatalf("StoreConsumerOffset: %v", err)
	}

	reopened := newTestSystem(t, dir)
	st, err := reopened.Stream(id.Numeric(streamID))
	if err != nil {
		t.Fatalf("Stream after restart: %v", err)
	}
	top, err := st.Topic(id.Numeric(topicID))
	if err != nil {
		t.Fatalf("Topic after restart: %v", err)
	}
	msgs, err := top.GetMessagesByConsumer(1, "worker-a", 10, false)
	if err != nil {
		t.Fatalf("GetMessagesByConsumer: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no new messages past the stored offset, got %d", len(msgs))
	}
}

func TestSystem_CreateAndDeletePartitionsGoesThroughStateLog(t *testing.T) {
	sys := newTestSystem(t, t.TempDir())
	now := time.Now()

	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	topicID, err := sys.CreateTopic(1, streamID, "events", 2, now)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := sys.CreatePartitions(1, streamID, topicID, 1, now); err != nil {
		t.Fatalf("CreatePartitions: %v", err)
	}

	st, _ := sys.Stream(id.Numeric(streamID))
	top, _ := st.Topic(id.Numeric(topicID))
	if top.PartitionCount() != 3 {
		t.Fatalf("PartitionCount() = %d, want 3", top.PartitionCount())
	}

	if err := sys.DeletePartitions(1, streamID, topicID, 1, now); err != nil {
		t.Fatalf("DeletePartitions: %v", err)
	}
	if top.PartitionCount() != 2 {
		t.Fatalf("PartitionCount() after delete = %d, want 2", top.PartitionCount())
	}
}

func TestSystem_CreateGroupIsUsableForPolling(t *testing.T) {
	sys := newTestSystem(t, t.TempDir())
	now := time.Now()

	streamID, err := sys.CreateStream(1, "orders", now)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	topicID, err := sys.CreateTopic(1, streamID, "events", 1, now)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := sys.CreateGroup(1, streamID, topicID, 1, "workers", now); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	st, _ := sys.Stream(id.Numeric(streamID))
	top, _ := st.Topic(id.Numeric(topicID))
	if _, err := top.GetMessagesByConsumerGroup(1, 10, 10, false); !errors.Is(err, apperr.ErrConsumerGroupMemberNotFound) {
		t.Fatalf("expected an unjoined member against the group created via the state log to fail with member-not-found, got: %v", err)
	}
	if _, err := top.GetMessagesByConsumerGroup(99, 10, 10, false); !errors.Is(err, apperr.ErrConsumerGroupNotFound) {
		t.Fatalf("expected an unknown group id to fail with group-not-found, got: %v", err)
	}

	if err := sys.DeleteGroup(1, streamID, topicID, 1, now); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if _, err := top.GetMessagesByConsumerGroup(1, 10, 10, false); !errors.Is(err, apperr.ErrConsumerGroupNotFound) {
		t.Fatalf("expected group 1 to be gone after DeleteGroup, got: %v", err)
	}
}
