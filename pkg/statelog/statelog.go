// Package statelog implements the CORE's StateLog (spec §3.7/§4.7,
// component F): the append-only journal of administrative mutations that
// the System replays to rebuild its in-memory catalog on startup.
//
// Grounded on the teacher's pkg/appendlog.Store append/read contract
// (fsync-before-acknowledge, sequential-scan recovery) and
// kumarlokesh-sysd/exercises/wal's single-writer-serialized-append
// discipline, generalized from a raw byte record to the spec's typed
// index/term/timestamp/user_id/code/command/data framing.
package statelog

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/persister"
	"github.com/fluxorio/streamline/pkg/wire"
)

// Entry is one decoded StateLog record (spec §4.7 record framing).
type Entry struct {
	Index     uint64
	Term      uint64
	Timestamp uint64
	UserID    uint32
	Code      uint32
	Command   []byte
	Data      []byte
}

// Handler applies one replayed or freshly-appended entry to the in-memory
// catalog. Handlers are registered per code; an unrecognized code during
// replay is a fatal corruption signal (spec §4.7 "Unknown codes are a fatal
// corruption signal").
type Handler func(Entry) error

// Log is the append-only administrative command journal. All Apply calls
// are serialized through an internal lock to guarantee a monotonic index
// (spec §5: "StateLog has an internal serializer: applies are totally
// ordered by an internal queue to guarantee a monotonic index").
type Log struct {
	mu        sync.Mutex
	path      string
	persister persister.Persister
	term      uint64
	nextIndex uint64
	handlers  map[uint32]Handler
}

// Open attaches a Log to path without replaying it. Call Replay separately
// once every handler has been registered, matching the System startup
// sequence (spec §4.6 step 1: "Open the StateLog; replay all entries").
func Open(path string, p persister.Persister, term uint64) *Log {
	return &Log{
		path:      path,
		persister: p,
		term:      term,
		handlers:  make(map[uint32]Handler),
	}
}

// RegisterHandler binds code to the function invoked for every entry of
// that code, both during Replay and for entries appended afterward via
// Apply. Registering the same code twice overwrites the prior handler.
func (l *Log) RegisterHandler(code uint32, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[code] = h
}

// Replay scans the log file sequentially, decodes each entry, and dispatches
// it to the handler registered for its code (spec §4.7 replay contract). It
// advances nextIndex past the highest index seen so later Apply calls
// continue the sequence.
func (l *Log) Replay() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.persister.Read(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // a brand-new CORE instance has no prior state to replay
		}
		return apperr.Wrap(apperr.CodeCorruptStateLog, "read state log", err)
	}
	r := wire.NewReader(data)
	for !r.AtEnd() {
		entry, err := decodeEntry(r)
		if err != nil {
			return apperr.Wrap(apperr.CodeCorruptStateLog, "decode state log entry", err)
		}
		handler, ok := l.handlers[entry.Code]
		if !ok {
			return apperr.New(apperr.CodeCorruptStateLog, "unknown state log command code")
		}
		if err := handler(entry); err != nil {
			return apperr.Wrap(apperr.CodeCorruptStateLog, "apply replayed state log entry", err)
		}
		if entry.Index >= l.nextIndex {
			l.nextIndex = entry.Index + 1
		}
	}
	return nil
}

// Apply assigns the next (index, term, timestamp), serializes the record,
// appends it to the underlying persister, and only then dispatches it to
// the registered handler — the call does not return to the caller until the
// write has reached the persister (spec §4.7 append contract, §5
// "An administrative operation is not acknowledged to the caller until its
// state entry is durably appended").
func (l *Log) Apply(code uint32, userID uint32, command []byte, data []byte, now time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Index:     l.nextIndex,
		Term:      l.term,
		Timestamp: uint64(now.UnixMicro()),
		UserID:    userID,
		Code:      code,
		Command:   command,
		Data:      data,
	}

	if err := l.persister.Append(l.path, encodeEntry(entry)); err != nil {
		return Entry{}, apperr.Wrap(apperr.CodeCannotAppendState, "append state log entry", err)
	}

	handler, ok := l.handlers[code]
	if !ok {
		return Entry{}, apperr.New(apperr.CodeInvalidCommand, "no handler registered for state log command code")
	}
	if err := handler(entry); err != nil {
		return Entry{}, err
	}

	l.nextIndex++
	return entry, nil
}

// NextIndex reports the index the next Apply call will assign.
func (l *Log) NextIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex
}

func encodeEntry(e Entry) []byte {
	w := wire.NewWriter(3*wire.U64Size + 2*wire.U32Size + 2*wire.U32Size + len(e.Command) + len(e.Data))
	w.WriteU64(e.Index)
	w.WriteU64(e.Term)
	w.WriteU64(e.Timestamp)
	w.WriteU32(e.UserID)
	w.WriteU32(e.Code)
	w.WriteBytesWithLen(e.Command)
	w.WriteBytesWithLen(e.Data)
	return w.Bytes()
}

func decodeEntry(r *wire.Reader) (Entry, error) {
	var e Entry
	var err error
	if e.Index, err = r.ReadU64(); err != nil {
		return Entry{}, err
	}
	if e.Term, err = r.ReadU64(); err != nil {
		return Entry{}, err
	}
	if e.Timestamp, err = r.ReadU64(); err != nil {
		return Entry{}, err
	}
	if e.UserID, err = r.ReadU32(); err != nil {
		return Entry{}, err
	}
	if e.Code, err = r.ReadU32(); err != nil {
		return Entry{}, err
	}
	if e.Command, err = r.ReadBytesWithLen(); err != nil {
		return Entry{}, err
	}
	if e.Data, err = r.ReadBytesWithLen(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Compact rewrites the log file to contain only entries produced by
// snapshotEntries, resetting the on-disk file while keeping nextIndex and
// term unchanged (spec §4.6 "State maintenance: optionally snapshots/
// overwrites the StateLog file to compact it").
func (l *Log) Compact(snapshotEntries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := wire.NewWriter(0)
	for _, e := range snapshotEntries {
		w.WriteBytes(encodeEntry(e))
	}
	if err := l.persister.Overwrite(l.path, w.Bytes()); err != nil {
		return apperr.Wrap(apperr.CodeCannotAppendState, "compact state log", err)
	}
	return nil
}
