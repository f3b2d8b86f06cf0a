package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lithair/lithair/internal/lerrors"
)

// segmentHeaderMagic identifies a Lithair WAL segment file.
var segmentHeaderMagic = [4]byte{'L', 'S', 'E', 'G'}

// trailerMagic identifies the trailer written when a segment is sealed at
// rotation, carrying the last self checksum so the next segment's tail
// recovery can validate its first record's predecessor checksum.
var trailerMagic = [4]byte{'L', 'T', 'R', 'L'}

const (
	segmentHeaderFixedSize = 4 + 4 + 8 + 4 // magic, version, startSeq, aggLen
	segmentFormatVersion   = 1
	trailerSize            = 4 + 4 + 4 // magic, lastCRC, padding
)

// segment represents one file holding a prefix of an aggregate's events.
// Segments are named by their starting sequence number and are immutable
// once sealed; only the active (most recently opened) segment is appended to.
type segment struct {
	path      string
	aggregate string
	startSeq  uint64
	file      *os.File
	size      int64
	sealed    bool
}

func segmentFileName(startSeq uint64) string {
	return fmt.Sprintf("%020d.log", startSeq)
}

func parseSegmentStartSeq(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".log")
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns the starting sequences of every segment on disk for
// an aggregate's directory, sorted ascending.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if seq, ok := parseSegmentStartSeq(ent.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// createSegment creates a brand-new, empty segment starting at startSeq and
// writes its header.
func createSegment(dir, aggregate string, startSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(startSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "create segment", err)
	}

	header := encodeSegmentHeader(aggregate, startSeq)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, lerrors.Wrap(lerrors.IO, "write segment header", err)
	}

	return &segment{
		path:      path,
		aggregate: aggregate,
		startSeq:  startSeq,
		file:      f,
		size:      int64(len(header)),
	}, nil
}

// openSegment opens an existing segment file for append, positioning past
// any valid tail. It performs tail recovery: the first record with an
// invalid checksum, or a torn (incomplete) record, truncates the file at
// that point so the segment is never left with partial data.
func openSegment(dir string, startSeq uint64, prevSegmentLastCRC uint32, hasPrev bool) (*segment, []*Event, error) {
	path := filepath.Join(dir, segmentFileName(startSeq))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, lerrors.Wrap(lerrors.IO, "open segment", err)
	}

	aggregate, err := readSegmentHeader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	var events []*Event
	var lastGoodOffset int64 = segmentHeaderFixedSize + int64(len(aggregate))
	var lastCRC uint32
	firstRecord := true
	haveLastCRC := hasPrev
	if hasPrev {
		lastCRC = prevSegmentLastCRC
	}

	for {
		rec, err := decodeRecord(f)
		if err != nil {
			if err == io.EOF {
				break // clean end of file
			}
			// Torn write (io.ErrUnexpectedEOF) or any other decode failure:
			// stop here, discard anything after lastGoodOffset.
			break
		}

		if !verifyChecksum(rec) {
			break
		}
		if firstRecord && haveLastCRC && rec.PrevCRC != lastCRC {
			// First kept record's predecessor must match the previous
			// segment's trailer; otherwise the whole tail is suspect.
			break
		}
		if !firstRecord && rec.PrevCRC != lastCRC {
			break
		}

		events = append(events, rec)
		lastCRC = rec.CRC
		haveLastCRC = true
		firstRecord = false
		off, _ := f.Seek(0, io.SeekCurrent)
		lastGoodOffset = off
	}

	if err := f.Truncate(lastGoodOffset); err != nil {
		f.Close()
		return nil, nil, lerrors.Wrap(lerrors.IO, "truncate torn tail", err)
	}
	if _, err := f.Seek(lastGoodOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	return &segment{
		path:      path,
		aggregate: aggregate,
		startSeq:  startSeq,
		file:      f,
		size:      lastGoodOffset,
	}, events, nil
}

func encodeSegmentHeader(aggregate string, startSeq uint64) []byte {
	agg := []byte(aggregate)
	buf := make([]byte, segmentHeaderFixedSize+len(agg))
	copy(buf[0:4], segmentHeaderMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], segmentFormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], startSeq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(agg)))
	copy(buf[20:], agg)
	return buf
}

func readSegmentHeader(f *os.File) (aggregate string, err error) {
	fixed := make([]byte, segmentHeaderFixedSize)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return "", lerrors.Wrap(lerrors.IO, "read segment header", err)
	}
	if string(fixed[0:4]) != string(segmentHeaderMagic[:]) {
		return "", lerrors.New(lerrors.Integrity, "bad segment magic")
	}
	aggLen := binary.LittleEndian.Uint32(fixed[16:20])
	aggBuf := make([]byte, aggLen)
	if _, err := io.ReadFull(f, aggBuf); err != nil {
		return "", lerrors.Wrap(lerrors.IO, "read segment header aggregate", err)
	}
	return string(aggBuf), nil
}

// append writes a record's bytes to the segment file without fsyncing; the
// Log's group-commit goroutine calls sync afterward.
func (s *segment) append(e *Event) error {
	if s.sealed {
		return lerrors.New(lerrors.IO, "append to sealed segment")
	}
	data := e.encode()
	if _, err := s.file.Write(data); err != nil {
		return lerrors.Wrap(lerrors.IO, "write record", err)
	}
	s.size += int64(len(data))
	return nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return lerrors.Wrap(lerrors.IO, "fsync segment", err)
	}
	return nil
}

// seal writes the trailer recording the last self checksum, fsyncs, and
// marks the segment immutable. Called at rotation.
func (s *segment) seal(lastCRC uint32) error {
	buf := make([]byte, trailerSize)
	copy(buf[0:4], trailerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], lastCRC)
	if _, err := s.file.Write(buf); err != nil {
		return lerrors.Wrap(lerrors.IO, "write segment trailer", err)
	}
	if err := s.sync(); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

// readTrailer reads a previously-sealed segment's trailer, if present. The
// active (most recent) segment generally has none.
func readTrailer(path string) (lastCRC uint32, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	if info.Size() < trailerSize {
		return 0, false, nil
	}
	buf := make([]byte, trailerSize)
	if _, err := f.ReadAt(buf, info.Size()-trailerSize); err != nil {
		return 0, false, errors.Wrap(err, "read trailer")
	}
	if string(buf[0:4]) != string(trailerMagic[:]) {
		return 0, false, nil
	}
	return binary.LittleEndian.Uint32(buf[4:8]), true, nil
}

func (s *segment) close() error {
	return s.file.Close()
}
