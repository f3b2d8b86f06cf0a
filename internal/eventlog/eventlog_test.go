package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair/internal/config"
)

func testOptions() Options {
	return Options{
		Durability:            config.MaxDurability,
		GroupCommitMaxBatch:   1000,
		GroupCommitMaxDelay:   0,
		PerformanceFsyncEvery: 0,
		SegmentRotateBytes:    1 << 20,
	}
}

func TestAppendAndScanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "orders-1", testOptions(), nil)
	require.NoError(t, err)
	defer l.Close()

	e1, err := l.Append("create", []byte("payload-1"))
	require.NoError(t, err)
	e2, err := l.Append("update", []byte("payload-2"))
	require.NoError(t, err)

	require.Equal(t, uint64(0), e1.Sequence)
	require.Equal(t, uint64(1), e2.Sequence)
	require.Equal(t, uint32(0), e1.PrevCRC)
	require.Equal(t, e1.CRC, e2.PrevCRC)

	cur, err := l.Scan(0)
	require.NoError(t, err)
	defer cur.Close()

	got1, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e1.EventID, got1.EventID)
	require.Equal(t, []byte("payload-1"), got1.Payload)

	got2, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload-2"), got2.Payload)

	_, ok, err = cur.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyDetectsTamperedChecksum(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "agg-a", testOptions(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append("create", []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Reopen and verify cleanly first.
	l2, err := Open(dir, "agg-a", testOptions(), nil)
	require.NoError(t, err)
	result, err := l2.Verify()
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, uint64(5), result.EventsChecked)

	// Flip the payload byte of the third event (sequence 2) on disk. The
	// segment header is 20 bytes plus "agg-a"; each record is the 48-byte
	// header plus "agg-a", "create" and a 1-byte payload.
	path := filepath.Join(dir, "wal", "agg-a", segmentFileName(0))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	recordSize := int64(headerSize + len("agg-a") + len("create") + 1)
	payloadOff := int64(segmentHeaderFixedSize+len("agg-a")) + 3*recordSize - 1
	_, err = f.WriteAt([]byte{0xFF}, payloadOff)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err = l2.Verify()
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, uint64(2), result.FirstBadSeq)
	require.Equal(t, uint64(2), result.EventsChecked)
	require.NoError(t, l2.Close())
}

func TestReopenRecoversAfterClose(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "agg-b", testOptions(), nil)
	require.NoError(t, err)

	last, err := l.Append("create", []byte("final"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	l2, err := Open(dir, "agg-b", testOptions(), nil)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, int64(last.Sequence), l2.LastSequence())

	cur, err := l2.Scan(0)
	require.NoError(t, err)
	defer cur.Close()

	var lastSeen *Event
	for {
		e, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		lastSeen = e
	}
	require.NotNil(t, lastSeen)
	require.Equal(t, last.EventID, lastSeen.EventID)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SegmentRotateBytes = headerSize + 16 // force rotation almost every append
	l, err := Open(dir, "agg-rot", opts, nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append("create", []byte("x"))
		require.NoError(t, err)
	}

	seqs, err := listSegments(l.dir)
	require.NoError(t, err)
	require.Greater(t, len(seqs), 1)

	result, err := l.Verify()
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, uint64(10), result.EventsChecked)
}
