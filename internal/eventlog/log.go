// Package eventlog implements the core's append-only, per-aggregate write-
// ahead log: content-hashed events linked by a CRC32 chain, segmented and
// rotated on disk, written through a group-commit pipeline so many
// concurrent appenders share a single fsync.
package eventlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lithair/lithair/internal/config"
	"github.com/lithair/lithair/internal/lerrors"
)

// Options configures a Log's durability and rotation behavior (group-commit
// batch size and delay, segment rotation size, performance-mode fsync
// interval).
type Options struct {
	Durability          config.DurabilityMode
	GroupCommitMaxBatch int
	GroupCommitMaxDelay time.Duration
	PerformanceFsyncEvery time.Duration
	SegmentRotateBytes  int64
}

// OptionsFromConfig derives Options from the shared process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Durability:            cfg.Durability,
		GroupCommitMaxBatch:   cfg.GroupCommitMaxBatch,
		GroupCommitMaxDelay:   cfg.GroupCommitMaxDelay,
		PerformanceFsyncEvery: cfg.PerformanceFsyncEvery,
		SegmentRotateBytes:    cfg.SegmentRotateBytes,
	}
}

// pendingWrite is a queued append awaiting group-commit fsync.
type pendingWrite struct {
	eventID uint64
}

// Log is the durable, ordered, checksum-chained event log for a single
// aggregate. Readers are never blocked by writers; writers are serialized by
// the log's mutex, and a single background group-commit goroutine issues the
// fsyncs.
type Log struct {
	opts Options
	log  *logrus.Entry

	dir       string
	aggregate string

	mu         sync.Mutex
	nextSeq    uint64
	lastCRC    uint32
	active     *segment
	sealedSegs []uint64 // starting sequences of sealed segments, ascending

	readOnly bool // set when an I/O error degrades the log

	// group commit state
	queue      []pendingWrite
	syncedID   uint64 // highest event id durably fsynced
	notify     chan struct{}
	cond       *sync.Cond
	closeCh    chan struct{}
	closedOnce sync.Once
	wg         sync.WaitGroup
}

// Open opens (or creates) the log for aggregate under dataDir/wal/<aggregate>,
// recovering any torn tail on the most recent segment.
func Open(dataDir, aggregate string, opts Options, log *logrus.Entry) (*Log, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dir := filepath.Join(dataDir, "wal", aggregate)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "create wal dir", err)
	}

	l := &Log{
		opts:      opts,
		log:       log.WithField("aggregate", aggregate),
		dir:       dir,
		aggregate: aggregate,
		notify:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	if err := l.recover(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.groupCommitLoop()

	return l, nil
}

// recover opens existing segments (performing tail recovery on the last one)
// or creates the first segment if none exist.
func (l *Log) recover() error {
	seqs, err := listSegments(l.dir)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "list segments", err)
	}

	if len(seqs) == 0 {
		seg, err := createSegment(l.dir, l.aggregate, 0)
		if err != nil {
			return err
		}
		l.active = seg
		l.nextSeq = 0
		l.lastCRC = 0
		return nil
	}

	l.sealedSegs = seqs[:len(seqs)-1]
	lastStart := seqs[len(seqs)-1]

	var prevCRC uint32
	hasPrev := false
	if len(l.sealedSegs) > 0 {
		prevPath := filepath.Join(l.dir, segmentFileName(l.sealedSegs[len(l.sealedSegs)-1]))
		if crc, ok, err := readTrailer(prevPath); err == nil && ok {
			prevCRC, hasPrev = crc, true
		}
	}

	seg, events, err := openSegment(l.dir, lastStart, prevCRC, hasPrev)
	if err != nil {
		return err
	}
	l.active = seg

	if len(events) > 0 {
		last := events[len(events)-1]
		l.nextSeq = last.Sequence + 1
		l.lastCRC = last.CRC
		l.syncedID = last.EventID
	} else {
		l.nextSeq = lastStart
		l.lastCRC = prevCRC
	}
	return nil
}

// Append computes the next sequence number, links it to the previous self
// checksum, writes the encoded record to the active segment file, and queues
// it for the group-commit fsync.
// It returns once the write is queued, not necessarily fsynced; call Flush
// (or rely on MaxDurability auto-flush) to get a durability guarantee.
func (l *Log) Append(eventType string, payload []byte) (*Event, error) {
	l.mu.Lock()
	if l.readOnly {
		l.mu.Unlock()
		return nil, lerrors.New(lerrors.IO, "log is read-only after a prior append failure")
	}

	e := &Event{
		EventID:   l.nextEventID(),
		Sequence:  l.nextSeq,
		Aggregate: l.aggregate,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		PrevCRC:   l.lastCRC,
	}
	e.CRC = checksum(e)

	if err := l.maybeRotate(encodedSize(e)); err != nil {
		l.degrade()
		l.mu.Unlock()
		return nil, err
	}

	if err := l.active.append(e); err != nil {
		l.degrade()
		l.mu.Unlock()
		return nil, err
	}

	l.nextSeq++
	l.lastCRC = e.CRC
	l.queue = append(l.queue, pendingWrite{eventID: e.EventID})
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}

	if l.opts.Durability == config.MaxDurability {
		if err := l.Flush(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// nextEventID assigns the next monotonic id; callers hold l.mu.
func (l *Log) nextEventID() uint64 {
	// Event ids are monotonic per aggregate and, absent truncation, track
	// sequence numbers 1:1 offset by one (ids are 1-indexed; sequences are
	// 0-indexed).
	return l.nextSeq + 1
}

func (l *Log) maybeRotate(nextRecordSize int64) error {
	if l.active.size+nextRecordSize <= l.opts.SegmentRotateBytes {
		return nil
	}
	if err := l.active.seal(l.lastCRC); err != nil {
		return err
	}
	if err := l.active.close(); err != nil {
		return lerrors.Wrap(lerrors.IO, "close sealed segment", err)
	}
	l.sealedSegs = append(l.sealedSegs, l.active.startSeq)

	newSeg, err := createSegment(l.dir, l.aggregate, l.nextSeq)
	if err != nil {
		return err
	}
	l.active = newSeg
	return nil
}

// degrade puts the log into the read-only state required after a durable
// append failure: IO errors escalate to a read-only degraded node.
func (l *Log) degrade() {
	l.readOnly = true
	l.log.Error("event log degraded to read-only after I/O failure")
}

// Flush blocks until every write queued before this call has been fsynced.
func (l *Log) Flush() error {
	l.mu.Lock()
	target := uint64(0)
	if len(l.queue) > 0 {
		target = l.queue[len(l.queue)-1].eventID
	} else {
		target = l.syncedID
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}

	l.mu.Lock()
	for l.syncedID < target && !l.readOnly {
		l.cond.Wait()
	}
	ro := l.readOnly
	l.mu.Unlock()

	if ro {
		return lerrors.New(lerrors.IO, "log degraded while waiting for flush")
	}
	return nil
}

// groupCommitLoop is the single background writer: it drains the pending
// queue in batches bounded by GroupCommitMaxBatch / GroupCommitMaxDelay (or,
// under Performance durability, a fixed periodic tick) and issues one fsync
// per batch.
func (l *Log) groupCommitLoop() {
	defer l.wg.Done()

	interval := l.opts.GroupCommitMaxDelay
	if l.opts.Durability == config.Performance {
		interval = l.opts.PerformanceFsyncEvery
	}
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeCh:
			l.drainAndSync()
			return
		case <-l.notify:
			l.maybeSyncBatch()
		case <-ticker.C:
			l.maybeSyncBatch()
		}
	}
}

func (l *Log) maybeSyncBatch() {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.opts.GroupCommitMaxBatch
	if batch <= 0 || batch > len(l.queue) {
		batch = len(l.queue)
	}
	toSync := l.queue[:batch]
	seg := l.active
	l.mu.Unlock()

	err := seg.sync()

	l.mu.Lock()
	if err != nil {
		l.readOnly = true
		l.log.WithError(err).Error("group commit fsync failed")
	} else {
		l.syncedID = toSync[len(toSync)-1].eventID
		l.queue = l.queue[len(toSync):]
	}
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Log) drainAndSync() {
	for {
		l.mu.Lock()
		empty := len(l.queue) == 0
		l.mu.Unlock()
		if empty {
			return
		}
		l.maybeSyncBatch()
	}
}

// Cursor is a restartable, lazy iterator over events in sequence order.
type Cursor struct {
	l        *Log
	segIdx   int
	segSeqs  []uint64
	cur      *segmentReader
	from     uint64
}

type segmentReader struct {
	file *os.File
	agg  string
}

// Scan returns a lazy cursor over every event in sequence order starting at
// fromSequence (0 scans from the beginning).
func (l *Log) Scan(fromSequence uint64) (*Cursor, error) {
	l.mu.Lock()
	segSeqs := append(append([]uint64(nil), l.sealedSegs...), l.active.startSeq)
	l.mu.Unlock()

	return &Cursor{l: l, segSeqs: segSeqs, from: fromSequence}, nil
}

// Next returns the next event, or ok=false at the end of the log (never
// yielding a torn/partial record — those are excluded during recovery).
func (c *Cursor) Next() (*Event, bool, error) {
	for {
		if c.cur == nil {
			if c.segIdx >= len(c.segSeqs) {
				return nil, false, nil
			}
			path := filepath.Join(c.l.dir, segmentFileName(c.segSeqs[c.segIdx]))
			f, err := os.Open(path)
			if err != nil {
				return nil, false, lerrors.Wrap(lerrors.IO, "open segment for scan", err)
			}
			if _, err := readSegmentHeader(f); err != nil {
				f.Close()
				return nil, false, err
			}
			c.cur = &segmentReader{file: f}
		}

		rec, err := decodeRecord(c.cur.file)
		if err != nil {
			c.cur.file.Close()
			c.cur = nil
			c.segIdx++
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				continue
			}
			return nil, false, err
		}

		if rec.Sequence < c.from {
			continue
		}
		return rec, true, nil
	}
}

// Close releases any open segment file held by the cursor.
func (c *Cursor) Close() error {
	if c.cur != nil {
		err := c.cur.file.Close()
		c.cur = nil
		return err
	}
	return nil
}

// VerifyResult is the outcome of walking an aggregate's chain.
type VerifyResult struct {
	OK             bool
	FirstBadSeq    uint64
	EventsChecked  uint64
}

// Verify walks the full chain and reports the first event whose self
// checksum fails to match its computed value, or whose predecessor checksum
// disagrees with the previous event's self checksum.
func (l *Log) Verify() (VerifyResult, error) {
	cur, err := l.Scan(0)
	if err != nil {
		return VerifyResult{}, err
	}
	defer cur.Close()

	var prevCRC uint32
	var prevSeq int64 = -1
	var checked uint64

	for {
		e, ok, err := cur.Next()
		if err != nil {
			return VerifyResult{}, err
		}
		if !ok {
			break
		}
		if !verifyChecksum(e) {
			return VerifyResult{OK: false, FirstBadSeq: e.Sequence, EventsChecked: checked}, nil
		}
		if prevSeq >= 0 && e.PrevCRC != prevCRC {
			return VerifyResult{OK: false, FirstBadSeq: e.Sequence, EventsChecked: checked}, nil
		}
		prevCRC = e.CRC
		prevSeq = int64(e.Sequence)
		checked++
	}

	return VerifyResult{OK: true, EventsChecked: checked}, nil
}

// TruncatePrefix atomically removes whole segments entirely below
// upToSequence. Callers must only invoke this once a snapshot covering that
// sequence is durable.
func (l *Log) TruncatePrefix(upToSequence uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allStarts := append(append([]uint64(nil), l.sealedSegs...), l.active.startSeq)
	var keepSealed []uint64
	for i, start := range l.sealedSegs {
		var upperBoundExclusive uint64
		if i+1 < len(allStarts) {
			upperBoundExclusive = allStarts[i+1]
		}
		if upperBoundExclusive != 0 && upperBoundExclusive <= upToSequence {
			path := filepath.Join(l.dir, segmentFileName(start))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return lerrors.Wrap(lerrors.IO, "remove truncated segment", err)
			}
			continue
		}
		keepSealed = append(keepSealed, start)
	}
	l.sealedSegs = keepSealed
	return nil
}

// LastSequence returns the highest assigned sequence number, or -1 if empty.
func (l *Log) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextSeq == 0 {
		return -1
	}
	return int64(l.nextSeq) - 1
}

// ReadOnly reports whether the log has degraded due to a prior I/O failure.
func (l *Log) ReadOnly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readOnly
}

// Close stops the group-commit goroutine (flushing any remaining writes)
// and closes all open segment files.
func (l *Log) Close() error {
	l.closedOnce.Do(func() {
		close(l.closeCh)
	})
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.close()
}
