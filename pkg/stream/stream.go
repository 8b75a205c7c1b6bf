// Package stream implements the CORE's Stream (spec §3.5/§4.4, component
// D): the thin namespace above topics. Create/update/delete/purge, lookup
// by Identifier (numeric or name), name-uniqueness enforcement, directory
// orchestration, and cascading delete down to topics and their partitions.
//
// Grounded on the teacher's registry-under-a-lock shape (the same pattern
// pkg/topic uses for its partition map, one level up) and the Identifier
// tagged-union lookups already established by pkg/id.
package stream

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/id"
	"github.com/fluxorio/streamline/pkg/topic"
)

// Stream is a named namespace holding a set of topics (spec §3.5).
type Stream struct {
	cfg Config

	mu        sync.RWMutex
	topics    map[uint32]*topic.Topic
	topicIDs  map[string]uint32 // normalized name -> id
	nextID    uint32

	sizeBytes int64 // atomic; topic sizes added at Open, subtracted on DeleteTopic

	createdAt time.Time
}

// Config configures a stream's root directory and naming.
type Config struct {
	Dir      string
	StreamID uint32
	Name     string
}

// Create builds a brand-new, empty stream directory.
func Create(cfg Config, now time.Time) (*Stream, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "topics"), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotCreatePartition, "create topics dir", err)
	}
	return &Stream{
		cfg:       cfg,
		topics:    make(map[uint32]*topic.Topic),
		topicIDs:  make(map[string]uint32),
		createdAt: now,
	}, nil
}

// Open recovers a stream from an existing directory, reopening every topic
// subdirectory found beneath it (spec §4.6 startup step 2).
func Open(cfg Config, topicTemplate topic.Config, now time.Time) (*Stream, error) {
	s := &Stream{
		cfg:       cfg,
		topics:    make(map[uint32]*topic.Topic),
		topicIDs:  make(map[string]uint32),
		createdAt: now,
	}

	ids, err := listTopicDirs(filepath.Join(cfg.Dir, "topics"))
	if err != nil {
		return nil, err
	}
	for _, tid := range ids {
		tCfg := topicTemplate
		tCfg.Dir = filepath.Join(cfg.Dir, "topics", strconv.FormatUint(uint64(tid), 10))
		tCfg.StreamID = cfg.StreamID
		tCfg.TopicID = tid
		t, err := topic.Open(tCfg, now)
		if err != nil {
			return nil, err
		}
		s.topics[tid] = t
		s.topicIDs[id.Normalize(t.Name())] = tid
		if tid >= s.nextID {
			s.nextID = tid + 1
		}
		atomic.AddInt64(&s.sizeBytes, t.SizeBytes())
	}
	return s, nil
}

func listTopicDirs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeCannotReadFile, "read topics dir "+dir, err)
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

// CreateTopic creates a new topic within this stream, enforcing id and name
// uniqueness (spec §4.4 name-uniqueness enforcement).
func (s *Stream) CreateTopic(topicID uint32, name string, partitions uint32, template topic.Config, now time.Time) (*topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := id.ValidateName(name, apperr.CodeInvalidTopicName); err != nil {
		return nil, err
	}
	normalized := id.Normalize(name)
	if _, ok := s.topicIDs[normalized]; ok {
		return nil, apperr.ErrTopicNameAlreadyExists
	}
	if topicID == 0 {
		topicID = s.nextID
		if topicID == 0 {
			topicID = 1
		}
	}
	if _, ok := s.topics[topicID]; ok {
		return nil, apperr.ErrTopicIDAlreadyExists
	}

	tCfg := template
	tCfg.Dir = filepath.Join(s.cfg.Dir, "topics", strconv.FormatUint(uint64(topicID), 10))
	tCfg.StreamID = s.cfg.StreamID
	tCfg.TopicID = topicID
	tCfg.Name = name

	t, err := topic.Create(tCfg, partitions, now)
	if err != nil {
		return nil, err
	}
	s.topics[topicID] = t
	s.topicIDs[normalized] = topicID
	if topicID >= s.nextID {
		s.nextID = topicID + 1
	}
	return t, nil
}

// DeleteTopic removes a topic and cascades the delete to its on-disk
// partition directories (spec §4.4: "Delete cascades to all topics and
// their partitions").
func (s *Stream) DeleteTopic(ref id.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	topicID, ok := s.resolveLocked(ref)
	if !ok {
		return apperr.ErrTopicNotFound
	}
	t := s.topics[topicID]
	delete(s.topics, topicID)
	delete(s.topicIDs, id.Normalize(t.Name()))
	atomic.AddInt64(&s.sizeBytes, -t.SizeBytes())
	dir := filepath.Join(s.cfg.Dir, "topics", strconv.FormatUint(uint64(topicID), 10))
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.CodeCannotReadFile, "remove topic dir", err)
	}
	return nil
}

// Topic resolves ref (numeric id or name) to its Topic.
func (s *Stream) Topic(ref id.Identifier) (*topic.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topicID, ok := s.resolveLocked(ref)
	if !ok {
		return nil, apperr.ErrTopicNotFound
	}
	return s.topics[topicID], nil
}

func (s *Stream) resolveLocked(ref id.Identifier) (uint32, bool) {
	if ref.IsNumeric() {
		_, ok := s.topics[ref.NumericValue()]
		return ref.NumericValue(), ok
	}
	topicID, ok := s.topicIDs[ref.NameValue()]
	return topicID, ok
}

// Purge purges every topic's data but keeps the topics themselves (spec
// §4.4 stream-level purge; delegates to each topic's own Purge, which in
// turn delegates to pkg/partition.Purge).
func (s *Stream) Purge() error {
	s.mu.RLock()
	topics := make([]*topic.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.RUnlock()

	for _, t := range topics {
		if err := t.Purge(); err != nil {
			return err
		}
	}
	return nil
}

// Topics returns every topic currently registered in this stream, ordered
// by topic id.
func (s *Stream) Topics() []*topic.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.topics))
	for id := range s.topics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*topic.Topic, len(ids))
	for i, id := range ids {
		out[i] = s.topics[id]
	}
	return out
}

// SizeBytes reports the stream's current accumulated payload size across
// all topics.
func (s *Stream) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, t := range s.topics {
		total += t.SizeBytes()
	}
	return total
}

// Name reports the stream's name.
func (s *Stream) Name() string { return s.cfg.Name }

// CreatedAt reports when this stream was created or opened.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }
