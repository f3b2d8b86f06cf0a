// Package consensus implements the ordered, replicated log of consensus
// entries: the leader's single point of truth for command ordering, shared
// conceptually with the event log's segmented, checksummed storage but kept
// as its own small package because conflict resolution (§4.4's mismatch /
// backup path) needs suffix truncation that the append-only event log
// intentionally never offers.
package consensus

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lithair/lithair/internal/lerrors"
)

// Entry is a single (term, index, payload) triple.
type Entry struct {
	Term    uint64 `json:"term"`
	Index   uint64 `json:"index"`
	Payload []byte `json:"payload"`
}

// Log is the leader/follower-shared consensus log.
type Log struct {
	mu          sync.RWMutex
	path        string
	entries     []Entry // index i holds consensus index i+1
	commitIndex uint64
}

// Open loads (or creates) the consensus log file at dataDir/consensus/log.dat.
func Open(dataDir string) (*Log, error) {
	dir := filepath.Join(dataDir, "consensus")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "create consensus dir", err)
	}
	path := filepath.Join(dir, "log.dat")

	l := &Log{path: path}
	entries, err := readAll(path)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	return l, nil
}

func readAll(path string) ([]Entry, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "open consensus log", err)
	}
	defer f.Close()

	var entries []Entry
	r := bufio.NewReader(f)
	for {
		e, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn tail record: stop here, as eventlog's tail recovery does.
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Entry{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(body) != want {
		return Entry{}, io.ErrUnexpectedEOF
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}
	return e, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], crc32.ChecksumIEEE(body))
	return buf, nil
}

// AppendLocal appends a new entry at the next index under the given term.
// Leader-only.
func (l *Log) AppendLocal(term uint64, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := uint64(len(l.entries)) + 1
	e := Entry{Term: term, Index: index, Payload: payload}
	if err := l.appendFileLocked(e); err != nil {
		return 0, err
	}
	l.entries = append(l.entries, e)
	return index, nil
}

// ReceiveResult is the follower's response to a replicated batch.
type ReceiveResult struct {
	Success  bool
	LastIndex uint64
}

// Receive implements the follower path: it verifies the log has an entry at
// prevIndex with prevTerm (or prevIndex == 0), rejects with its own last
// index on mismatch, otherwise truncates any conflicting suffix and appends
// entries, then advances the commit index up to leaderCommit.
func (l *Log) Receive(entries []Entry, prevIndex, prevTerm uint64, leaderCommit uint64) (ReceiveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevIndex > 0 {
		if prevIndex > uint64(len(l.entries)) {
			return ReceiveResult{Success: false, LastIndex: uint64(len(l.entries))}, nil
		}
		have := l.entries[prevIndex-1]
		if have.Term != prevTerm {
			return ReceiveResult{Success: false, LastIndex: uint64(len(l.entries))}, nil
		}
	}

	// A follower's log may diverge from an earlier, uncommitted term: drop
	// the local suffix from the first entry whose term disagrees with the
	// leader's, and keep entries that already match.
	for _, e := range entries {
		if e.Index <= uint64(len(l.entries)) {
			if l.entries[e.Index-1].Term == e.Term {
				continue
			}
			l.entries = l.entries[:e.Index-1]
		}
		l.entries = append(l.entries, e)
	}
	if err := l.rewriteFileLocked(); err != nil {
		return ReceiveResult{}, err
	}

	if leaderCommit > l.commitIndex {
		last := prevIndex + uint64(len(entries))
		if leaderCommit < last {
			l.commitIndex = leaderCommit
		} else {
			l.commitIndex = last
		}
	}

	return ReceiveResult{Success: true, LastIndex: uint64(len(l.entries))}, nil
}

// AdvanceCommit raises the commit index monotonically; callers (the leader,
// once a majority has matched an index) may never lower it.
func (l *Log) AdvanceCommit(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.commitIndex {
		l.commitIndex = n
	}
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// LastIndex and LastTerm describe the tail of the log (0, 0 if empty).
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// EntryAt returns the entry at index (1-based), if present.
func (l *Log) EntryAt(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index-1], true
}

// EntriesFrom returns entries starting at fromIndex (1-based, inclusive), up
// to max entries.
func (l *Log) EntriesFrom(fromIndex uint64, max int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fromIndex == 0 {
		fromIndex = 1
	}
	if fromIndex > uint64(len(l.entries)) {
		return nil
	}
	end := int(fromIndex-1) + max
	if end > len(l.entries) || max <= 0 {
		end = len(l.entries)
	}
	out := make([]Entry, end-int(fromIndex-1))
	copy(out, l.entries[fromIndex-1:end])
	return out
}

// ReadCommitted returns every committed entry from fromIndex (inclusive).
func (l *Log) ReadCommitted(fromIndex uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fromIndex == 0 {
		fromIndex = 1
	}
	if fromIndex > l.commitIndex {
		return nil
	}
	out := make([]Entry, 0, l.commitIndex-fromIndex+1)
	for i := fromIndex; i <= l.commitIndex; i++ {
		out = append(out, l.entries[i-1])
	}
	return out
}

// TruncatePrefix drops entries below upToIndex once a snapshot covers them.
func (l *Log) TruncatePrefix(upToIndex uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upToIndex == 0 || upToIndex > uint64(len(l.entries)) {
		return
	}
	l.entries = append([]Entry(nil), l.entries[upToIndex:]...)
	_ = l.rewriteFileLocked()
}

func (l *Log) appendFileLocked(e Entry) error {
	buf, err := encodeEntry(e)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode consensus entry", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "open consensus log for append", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return lerrors.Wrap(lerrors.IO, "append consensus entry", err)
	}
	return f.Sync()
}

// rewriteFileLocked rewrites the whole file from the in-memory slice. Called
// on suffix truncation (Receive's conflict path) and prefix truncation,
// which the simple append-only file format cannot express in place.
func (l *Log) rewriteFileLocked() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "rewrite consensus log", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range l.entries {
		buf, err := encodeEntry(e)
		if err != nil {
			f.Close()
			return lerrors.Wrap(lerrors.IO, "encode consensus entry", err)
		}
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return lerrors.Wrap(lerrors.IO, "write consensus entry", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "flush consensus log", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return lerrors.Wrap(lerrors.IO, "fsync consensus log", err)
	}
	if err := f.Close(); err != nil {
		return lerrors.Wrap(lerrors.IO, "close consensus log", err)
	}
	return os.Rename(tmp, l.path)
}
