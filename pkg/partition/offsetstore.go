package partition

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/wire"
)

// offsetStore persists the small per-consumer and per-consumer-group offset
// files under a partition's offsets/ directory (spec §6.1: "An offset file is
// eight little-endian bytes holding the stored u64 offset").
type offsetStore struct {
	mu          sync.RWMutex
	consumerDir string
	groupDir    string
	persister   persister.Persister
	consumers   map[string]uint64
	groups      map[string]uint64
}

func newOffsetStore(partitionDir string, p persister.Persister) *offsetStore {
	return &offsetStore{
		consumerDir: filepath.Join(partitionDir, "offsets", "consumers"),
		groupDir:    filepath.Join(partitionDir, "offsets", "groups"),
		persister:   p,
		consumers:   make(map[string]uint64),
		groups:      make(map[string]uint64),
	}
}

// load scans both offset directories for pre-existing files, populating the
// in-memory maps (spec §4.6 startup step 3).
func (s *offsetStore) load() error {
	if err := loadOffsetDir(s.consumerDir, s.consumers); err != nil {
		return err
	}
	return loadOffsetDir(s.groupDir, s.groups)
}

func loadOffsetDir(dir string, into map[string]uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.CodeCannotReadFile, "read offsets directory "+dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return apperr.Wrap(apperr.CodeCannotReadFile, "read offset file "+entry.Name(), err)
		}
		if len(buf) != 8 {
			return apperr.Wrap(apperr.CodeCannotReadFile, "offset file "+entry.Name()+" has unexpected length", nil)
		}
		into[entry.Name()] = wire.GetU64(buf)
	}
	return nil
}

func (s *offsetStore) consumerOffset(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.consumers[id]
	return off, ok
}

func (s *offsetStore) groupOffset(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.groups[id]
	return off, ok
}

func (s *offsetStore) storeConsumerOffset(id string, offset uint64) error {
	return s.store(s.consumerDir, s.consumers, id, offset)
}

func (s *offsetStore) storeGroupOffset(id string, offset uint64) error {
	return s.store(s.groupDir, s.groups, id, offset)
}

func (s *offsetStore) store(dir string, into map[string]uint64, id string, offset uint64) error {
	buf := make([]byte, 8)
	wire.PutU64(buf, offset)
	if err := s.persister.Overwrite(filepath.Join(dir, id), buf); err != nil {
		return err
	}
	s.mu.Lock()
	into[id] = offset
	s.mu.Unlock()
	return nil
}
