// Package raft implements the leader/follower/candidate state machine,
// election timing, heartbeats, and the append-entries/request-vote protocol,
// plus a static-leader simplified mode that skips elections entirely.
package raft

import "github.com/lithair/lithair/internal/consensus"

// Role is one of the three roles a node can hold.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

// AppendEntriesArgs is the leader-to-follower replication RPC.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     int
	PrevIndex    uint64
	PrevTerm     uint64
	Entries      []consensus.Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the follower's response.
type AppendEntriesReply struct {
	Term      uint64
	Success   bool
	LastIndex uint64
}

// RequestVoteArgs is the candidate's vote-solicitation RPC.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  int
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the voter's response.
type RequestVoteReply struct {
	Term    uint64
	Granted bool
}

// InstallSnapshotArgs transfers a chunk of a snapshot to a desynced follower.
type InstallSnapshotArgs struct {
	Term      uint64
	LeaderID  int
	LastIndex uint64
	LastTerm  uint64
	Offset    int64
	Data      []byte
	Done      bool
}

// InstallSnapshotReply acknowledges a chunk.
type InstallSnapshotReply struct {
	Term         uint64
	ReceivedUpTo int64
}

// Transport is the seam between the role state machine and the wire
// protocol; internal/rpcwire implements it over net/rpc + encoding/gob.
type Transport interface {
	SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	SendRequestVote(peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	SendInstallSnapshot(peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}
