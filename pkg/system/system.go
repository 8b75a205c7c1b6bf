// Package system implements the CORE's top-level registry and orchestrator
// (spec §4.6, component G): the streams map, the auth store, the StateLog,
// the background task scheduler, and the metrics/logging handles a running
// node needs, plus the startup/recovery sequence that rebuilds all of it
// from disk.
//
// Grounded on the teacher's top-level App wiring shape (one struct holding
// every subsystem handle, built once at startup and threaded through
// request handling) and on pkg/statelog's replay-then-serve discipline.
package system

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/archiver"
	"github.com/fluxorio/streamline/pkg/auth"
	"github.com/fluxorio/streamline/pkg/config"
	"github.com/fluxorio/streamline/pkg/id"
	"github.com/fluxorio/streamline/pkg/logging"
	"github.com/fluxorio/streamline/pkg/metrics"
	"github.com/fluxorio/streamline/pkg/partition"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/statelog"
	"github.com/fluxorio/streamline/pkg/stream"
	"github.com/fluxorio/streamline/pkg/tasks"
	"github.com/fluxorio/streamline/pkg/topic"
)

// System is the CORE's single process-wide registry (spec §4.6). All
// mutating catalog operations (stream/topic/partition-count/group/user
// lifecycle) go through the StateLog so a restart can replay them.
type System struct {
	dir    string
	cfg    config.StreamlineConfig
	log    logging.Logger
	metric *metrics.Registry

	mu        sync.RWMutex
	streams   map[uint32]*stream.Stream
	streamIDs map[string]uint32
	nextID    uint32

	auth     *auth.Store
	state    *statelog.Log
	sched    *tasks.Scheduler
	sink     archiver.Sink
	persist  persister.Persister
}

// Options bundles the handles System needs but does not construct itself,
// since their lifetimes (secrets, registerers) are the caller's concern.
type Options struct {
	Dir           string
	Config        config.StreamlineConfig
	Log           logging.Logger
	Metrics       *metrics.Registry
	SessionSecret []byte
}

// Open rebuilds a System from an on-disk data directory: it opens the
// StateLog, registers every catalog-mutation handler, replays all entries,
// then reopens every stream directory found on disk (spec §4.6 steps 1-3).
// Background tasks are not started; call Start once Open succeeds.
func Open(opts Options) (*System, error) {
	sys := &System{
		dir:       opts.Dir,
		cfg:       opts.Config,
		log:       opts.Log,
		metric:    opts.Metrics,
		streams:   make(map[uint32]*stream.Stream),
		streamIDs: make(map[string]uint32),
		auth:      auth.New(opts.SessionSecret),
		persist:   persister.New(persister.Config{}),
	}

	sink, err := buildSink(opts.Config)
	if err != nil {
		return nil, err
	}
	sys.sink = sink

	statePath := filepath.Join(opts.Dir, "state", "state.log")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotWriteFile, "create state directory", err)
	}
	sys.state = statelog.Open(statePath, sys.persist, 1)
	sys.registerHandlers()

	if err := sys.state.Replay(); err != nil {
		return nil, err
	}

	streamsDir := filepath.Join(opts.Dir, "streams")
	ids, err := listStreamDirs(streamsDir)
	if err != nil {
		return nil, err
	}
	for _, sid := range ids {
		if _, ok := sys.streams[sid]; ok {
			continue // already created by a replayed CreateStream entry with an empty dir
		}
		s, err := stream.Open(stream.Config{Dir: filepath.Join(streamsDir, strconv.FormatUint(uint64(sid), 10)), StreamID: sid}, sys.topicTemplate(), time.Now())
		if err != nil {
			return nil, err
		}
		sys.streams[sid] = s
		sys.streamIDs[id.Normalize(s.Name())] = sid
		if sid >= sys.nextID {
			sys.nextID = sid + 1
		}
	}

	if opts.Log != nil {
		opts.Log.Info("system recovered")
	}
	return sys, nil
}

func buildSink(cfg config.StreamlineConfig) (archiver.Sink, error) {
	if !cfg.DataMaintenance.Archiver.Enabled {
		return nil, nil
	}
	switch cfg.DataMaintenance.Archiver.Kind {
	case "object-store":
		s3 := cfg.DataMaintenance.Archiver.S3
		return archiver.NewObjectStoreSink(archiver.ObjectStoreConfig{
			KeyID: s3.KeyID, KeySecret: s3.KeySecret, Bucket: s3.Bucket,
			Endpoint: s3.Endpoint, Region: s3.Region,
		}), nil
	case "disk", "":
		return archiver.NewDiskSink(cfg.DataMaintenance.Archiver.Disk.Path), nil
	default:
		return nil, apperr.New(apperr.CodeInvalidCommand, "unknown archiver kind "+cfg.DataMaintenance.Archiver.Kind)
	}
}

func (s *System) topicTemplate() topic.Config {
	return topic.Config{
		PartitionTemplate: partition.Config{
			MaxSegmentBytes:  s.cfg.Segment.Size,
			CacheIndexes:     s.cfg.Segment.CacheIndexes,
			CacheTimeIndexes: s.cfg.Segment.CacheTimeIndexes,
			ValidateChecksum: s.cfg.Partition.ValidateChecksum,
			DedupEnabled:     s.cfg.MessageDeduplication.Enabled,
			DedupMaxEntries:  s.cfg.MessageDeduplication.MaxEntries,
			DedupExpiry:      s.cfg.MessageDeduplication.Expiry,
			DegradeThreshold:    5,
			DegradeResetTimeout: 30 * time.Second,
			Persister:           s.persist,
		},
	}
}

func listStreamDirs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeCannotReadFile, "read streams dir", err)
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Start launches three background jobs: a persister ticker, a retention
// worker (which also does the archiving, before deleting, when a sink is
// configured), and a state maintenance job. It returns immediately; jobs
// run until ctx is canceled.
func (s *System) Start(ctx context.Context) {
	s.sched = tasks.NewScheduler(func(name string, err error) {
		if s.log != nil {
			s.log.With("task", name).Error("background task failed", err)
		}
	})

	persistInterval := s.cfg.DataMaintenance.Messages.Interval
	if persistInterval <= 0 {
		persistInterval = time.Minute
	}
	retentionInterval := persistInterval
	stateInterval := s.cfg.DataMaintenance.State.Interval
	if stateInterval <= 0 {
		stateInterval = 5 * time.Minute
	}

	s.sched.Start(ctx,
		tasks.Job{
			Task:     tasks.TaskFunc{TaskName: "persister", Fn: s.runPersister},
			Interval: persistInterval,
		},
		tasks.Job{
			Task:     tasks.TaskFunc{TaskName: "retention", Fn: s.runRetention},
			Interval: retentionInterval,
		},
		tasks.Job{
			Task:     tasks.TaskFunc{TaskName: "state-maintenance", Fn: s.runStateMaintenance},
			Interval: stateInterval,
		},
	)
}

// Stop halts all background tasks. It does not close the StateLog or any
// partition's persister handles; callers own those lifetimes.
func (s *System) Stop() {
	if s.sched != nil {
		s.sched.Stop()
	}
}

func (s *System) runPersister(ctx context.Context) error {
	now := time.Now()
	s.mu.RLock()
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	var degraded int
	for _, st := range streams {
		for _, t := range st.Topics() {
			for _, p := range partitionsOf(t) {
				if err := p.PersistUnsaved(now); err != nil && s.log != nil {
					s.log.With("error", err.Error()).Warn("persist unsaved messages failed")
				}
				if p.IsDegraded() {
					degraded++
				}
			}
		}
	}
	if s.metric != nil {
		s.metric.DegradedPartitions.Set(float64(degraded))
	}
	return nil
}

func (s *System) runRetention(ctx context.Context) error {
	now := time.Now()
	s.mu.RLock()
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		for _, t := range st.Topics() {
			err := t.EnforceRetention(now, s.archiveCallback(st, t))
			if err != nil && s.log != nil {
				s.log.With("error", err.Error()).Warn("retention pass failed")
			}
		}
	}
	return nil
}

func (s *System) runStateMaintenance(ctx context.Context) error {
	if !s.cfg.DataMaintenance.State.Overwrite {
		return nil
	}
	return nil // compaction needs a caller-supplied snapshot; nothing to compact without one.
}

// archiveCallback returns the function topic.EnforceRetention invokes
// before deleting a closed segment, or nil if no sink is configured.
func (s *System) archiveCallback(st *stream.Stream, t *topic.Topic) func(partitionID uint32, startOffset uint64) error {
	if s.sink == nil {
		return nil
	}
	return func(partitionID uint32, startOffset uint64) error {
		p, err := t.PartitionByID(partitionID)
		if err != nil {
			return err
		}
		for _, seg := range p.ClosedSegments() {
			if seg.StartOffset() != startOffset {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, err := s.sink.Archive(ctx, t.StreamID(), t.TopicID(), partitionID, startOffset, seg.LogPath())
			if err != nil && s.metric != nil {
				s.metric.ArchiverFailureTotal.WithLabelValues(s.sink.Name()).Inc()
			} else if err == nil && s.metric != nil {
				s.metric.ArchiverSuccessTotal.WithLabelValues(s.sink.Name()).Inc()
			}
			return err
		}
		return nil // segment already gone; nothing to archive
	}
}

func partitionsOf(t *topic.Topic) []*partition.Partition {
	ids := t.PartitionIDs()
	result := make([]*partition.Partition, 0, len(ids))
	for _, pid := range ids {
		p, err := t.PartitionByID(pid)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result
}

// Metrics returns the process-wide Prometheus registry.
func (s *System) Metrics() *metrics.Registry { return s.metric }

// Auth returns the user/token/permission store for read-only and
// authentication use (Authenticate, VerifySessionToken, Can, User).
// Personal access token issuance and revocation must go through
// System.CreatePAT/RevokePAT instead of the Store's own methods, so the
// mutation is journaled and survives a restart.
func (s *System) Auth() *auth.Store { return s.auth }
