// Package consumergroup implements the CORE's ConsumerGroup (spec §3.6/§4.5,
// component E): member assignment, round-robin polling per member, and
// member liveness tracking (spec §9.C.3 supplement).
//
// Grounded on Stars1233-sarama's consumer-group member/assignment vocabulary
// (balanced range assignment across group members, generation-triggered
// rebalance) and the teacher's mailbox-style exclusive-mutation-behind-a-lock
// discipline (pkg/core/concurrency/mailbox.go).
package consumergroup

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
)

// Member is one joined consumer within a group.
type Member struct {
	ID                    uint32
	AssignedPartitions    []uint32
	CurrentPartitionIndex int
	LastSeen              time.Time
}

// Group is one topic's named consumer group.
type Group struct {
	mu sync.Mutex

	TopicID         uint32
	GroupID         uint32
	Name            string
	partitionsCount uint32
	livenessWindow  time.Duration

	members map[uint32]*Member
}

// New creates an empty consumer group for a topic with partitionsCount
// partitions. livenessWindow <= 0 disables member eviction on staleness.
func New(topicID, groupID uint32, name string, partitionsCount uint32, livenessWindow time.Duration) *Group {
	return &Group{
		TopicID:         topicID,
		GroupID:         groupID,
		Name:            name,
		partitionsCount: partitionsCount,
		livenessWindow:  livenessWindow,
		members:         make(map[uint32]*Member),
	}
}

// Join adds memberID to the group and recalculates assignment (spec §4.5:
// "runs on member join").
func (g *Group) Join(memberID uint32, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		g.members[memberID] = &Member{ID: memberID, LastSeen: now}
	} else {
		g.members[memberID].LastSeen = now
	}
	g.reassignLocked(now)
}

// Leave removes memberID from the group and recalculates assignment.
func (g *Group) Leave(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, memberID)
	g.reassignLocked(time.Now())
}

// Heartbeat records that memberID is still alive.
func (g *Group) Heartbeat(memberID uint32, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[memberID]
	if !ok {
		return apperr.ErrConsumerGroupMemberNotFound
	}
	m.LastSeen = now
	return nil
}

// SetPartitionsCount updates the partition count this group distributes
// across members and recalculates assignment (spec §4.5: "runs on ...
// partitions_count change").
func (g *Group) SetPartitionsCount(n uint32, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.partitionsCount = n
	g.reassignLocked(now)
}

// MemberCount reports the number of currently joined members.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// reassignLocked implements spec §4.5's assignment algorithm: evict stale
// members, sort remaining member IDs ascending, then distribute partitions
// 1..partitionsCount round-robin across them.
func (g *Group) reassignLocked(now time.Time) {
	if g.livenessWindow > 0 {
		for id, m := range g.members {
			if now.Sub(m.LastSeen) > g.livenessWindow {
				delete(g.members, id)
			}
		}
	}

	ids := make([]uint32, 0, len(g.members))
	for id, m := range g.members {
		m.AssignedPartitions = nil
		m.CurrentPartitionIndex = 0
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		return
	}

	for i := uint32(0); i < g.partitionsCount; i++ {
		partitionID := i + 1
		owner := ids[int(i)%len(ids)]
		g.members[owner].AssignedPartitions = append(g.members[owner].AssignedPartitions, partitionID)
	}
}

// NextPartition returns the partition this member should poll next, then
// advances the member's round-robin index (spec §4.5 "round-robin per
// member").
func (g *Group) NextPartition(memberID uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return 0, apperr.ErrEmptyConsumerGroup
	}
	m, ok := g.members[memberID]
	if !ok {
		return 0, apperr.ErrConsumerGroupMemberNotFound
	}
	if len(m.AssignedPartitions) == 0 {
		return 0, apperr.ErrEmptyConsumerGroup
	}
	partitionID := m.AssignedPartitions[m.CurrentPartitionIndex]
	m.CurrentPartitionIndex = (m.CurrentPartitionIndex + 1) % len(m.AssignedPartitions)
	return partitionID, nil
}
