package raft

import (
	"os"
	"path/filepath"

	"github.com/lithair/lithair/internal/lerrors"
)

// SnapshotInstaller is the minimal seam Node needs into the Snapshot
// Manager: install a just-received file and report what it covers.
type SnapshotInstaller interface {
	Install(path string) (lastIndex, lastTerm uint64, err error)
}

// SetSnapshotInstaller wires the Snapshot Manager in; nil disables
// InstallSnapshot handling (the node will reject such RPCs).
func (n *Node) SetSnapshotInstaller(installer SnapshotInstaller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshotInstaller = installer
}

// SetOnDesync wires the leader-side snapshot push: fn is invoked, off the
// replication loop, whenever a follower's replication progress crosses into
// HealthDesynced. The caller is expected to produce and transfer a snapshot
// to peerAddr instead of waiting for incremental append-entries to catch it
// up.
func (n *Node) SetOnDesync(fn func(peerAddr string)) {
	n.batcher.OnDesync = fn
}

// HandleInstallSnapshot accumulates chunks of an incoming snapshot transfer
// into a temporary file and, once done, installs it and fast-forwards this
// node's consensus log and applied index to the snapshot's coverage.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	n.mu.Lock()
	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}
	term := n.currentTerm
	installer := n.snapshotInstaller
	n.mu.Unlock()

	if installer == nil {
		return &InstallSnapshotReply{Term: term}, lerrors.New(lerrors.IO, "no snapshot installer configured")
	}

	tmpPath := filepath.Join(n.dataDir, "snapshots", "incoming.tmp")
	if args.Offset == 0 {
		_ = os.Remove(tmpPath)
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "open incoming snapshot chunk file", err)
	}
	if _, err := f.WriteAt(args.Data, args.Offset); err != nil {
		f.Close()
		return nil, lerrors.Wrap(lerrors.IO, "write incoming snapshot chunk", err)
	}
	received := args.Offset + int64(len(args.Data))
	if err := f.Close(); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "close incoming snapshot chunk file", err)
	}

	if !args.Done {
		return &InstallSnapshotReply{Term: term, ReceivedUpTo: received}, nil
	}

	lastIndex, _, err := installer.Install(tmpPath)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(tmpPath)

	n.mu.Lock()
	n.consensusLog.TruncatePrefix(lastIndex)
	if lastIndex > n.lastApplied {
		n.lastApplied = lastIndex
	}
	n.consensusLog.AdvanceCommit(lastIndex)
	n.mu.Unlock()

	return &InstallSnapshotReply{Term: term, ReceivedUpTo: received}, nil
}
