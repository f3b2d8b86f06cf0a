package rpcwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair/internal/config"
	"github.com/lithair/lithair/internal/consensus"
	"github.com/lithair/lithair/internal/raft"
)

func newTestNode(t *testing.T) *raft.Node {
	t.Helper()
	cfg := config.Default()
	cfg.StaticLeaderIndex = -1
	clog, err := consensus.Open(t.TempDir())
	require.NoError(t, err)

	n, err := raft.NewNode(cfg, t.TempDir(), 0, []string{"node0", "node1", "node2"}, clog, nil, nil, nil)
	require.NoError(t, err)
	return n
}

func TestServeAndClientRequestVoteRoundTrip(t *testing.T) {
	node := newTestNode(t)
	svc := NewService(node)
	ln, err := Serve("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer ln.Close()

	client := NewClient(2 * time.Second)

	reply, err := client.SendRequestVote(ln.Addr().String(), &raft.RequestVoteArgs{
		Term:         1,
		CandidateID:  1,
		LastLogIndex: 0,
		LastLogTerm:  0,
	})
	require.NoError(t, err)
	require.True(t, reply.Granted)
}

func TestServeAndClientAppendEntriesRoundTrip(t *testing.T) {
	node := newTestNode(t)
	svc := NewService(node)
	ln, err := Serve("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer ln.Close()

	client := NewClient(2 * time.Second)

	reply, err := client.SendAppendEntries(ln.Addr().String(), &raft.AppendEntriesArgs{
		Term:         1,
		LeaderID:     1,
		PrevIndex:    0,
		PrevTerm:     0,
		Entries:      nil,
		LeaderCommit: 0,
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
}

func TestClientCallFailsWhenPeerUnreachable(t *testing.T) {
	client := NewClient(10 * time.Millisecond)

	// Nothing is listening on this address, so dial itself fails before the
	// call-level timeout is even reached; either way an error is returned.
	_, err := client.SendRequestVote("127.0.0.1:1", &raft.RequestVoteArgs{Term: 1, CandidateID: 1})
	require.Error(t, err)
}

func TestClientReusesConnectionsPerPeer(t *testing.T) {
	node := newTestNode(t)
	svc := NewService(node)
	ln, err := Serve("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer ln.Close()

	client := NewClient(2 * time.Second)
	addr := ln.Addr().String()

	first, err := client.conn(addr)
	require.NoError(t, err)
	second, err := client.conn(addr)
	require.NoError(t, err)
	require.Same(t, first, second)
}
