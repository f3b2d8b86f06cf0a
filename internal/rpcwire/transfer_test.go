package rpcwire

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair/internal/config"
	"github.com/lithair/lithair/internal/consensus"
	"github.com/lithair/lithair/internal/raft"
)

// newTestNodeWithSnapshotsDir builds a node whose data directory already has
// the snapshots/ subdirectory HandleInstallSnapshot writes incoming chunks
// into (normally created by snapshot.New, which this package doesn't import).
func newTestNodeWithSnapshotsDir(t *testing.T) *raft.Node {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "snapshots"), 0755))

	cfg := config.Default()
	cfg.StaticLeaderIndex = -1
	clog, err := consensus.Open(dataDir)
	require.NoError(t, err)

	n, err := raft.NewNode(cfg, dataDir, 0, []string{"node0", "node1", "node2"}, clog, nil, nil, nil)
	require.NoError(t, err)
	return n
}

type fakeInstaller struct {
	installedPath string
	installedData []byte
	lastIndex     uint64
	lastTerm      uint64
}

func (f *fakeInstaller) Install(path string) (uint64, uint64, error) {
	f.installedPath = path
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	f.installedData = data
	return f.lastIndex, f.lastTerm, nil
}

func TestSnapshotSenderTransfersFileInChunks(t *testing.T) {
	receiver := newTestNodeWithSnapshotsDir(t)
	installer := &fakeInstaller{lastIndex: 7, lastTerm: 2}
	receiver.SetSnapshotInstaller(installer)

	svc := NewService(receiver)
	ln, err := Serve("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer ln.Close()

	snapDir := t.TempDir()
	snapPath := filepath.Join(snapDir, "test.snap")
	// Large enough to span several chunks at a small chunk size.
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(snapPath, payload, 0644))

	client := NewClient(2 * time.Second)
	sender := NewSnapshotSender(client, 8<<20, 2, 64*1024)

	err = sender.Send(context.Background(), ln.Addr().String(), 1, 0, 7, 2, snapPath)
	require.NoError(t, err)
	// The receiver reassembles the chunks into its own incoming file and
	// installs from there.
	require.Equal(t, "incoming.tmp", filepath.Base(installer.installedPath))
	require.Equal(t, payload, installer.installedData)
}

func TestSnapshotSenderStopsOnHigherTerm(t *testing.T) {
	receiver := newTestNodeWithSnapshotsDir(t)
	receiver.SetSnapshotInstaller(&fakeInstaller{})

	// Advance the receiver's term past the sender's claimed leader term so
	// its InstallSnapshot replies with a higher term and the transfer aborts.
	receiver.HandleAppendEntries(&raft.AppendEntriesArgs{Term: 99, LeaderID: 0})

	svc := NewService(receiver)
	ln, err := Serve("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer ln.Close()

	snapPath := filepath.Join(t.TempDir(), "test.snap")
	require.NoError(t, os.WriteFile(snapPath, []byte("small payload"), 0644))

	client := NewClient(2 * time.Second)
	sender := NewSnapshotSender(client, 8<<20, 2, 0)

	err = sender.Send(context.Background(), ln.Addr().String(), 1, 0, 1, 1, snapPath)
	require.Error(t, err)
}
