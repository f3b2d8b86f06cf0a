package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lithair/lithair/internal/config"
	"github.com/lithair/lithair/internal/consensus"
	"github.com/lithair/lithair/internal/lerrors"
)

// ApplyFunc drives the apply pipeline: it is invoked, in commit order, for
// every entry the node's commit index advances over. Node never applies
// directly — that stays the Event Apply component's job, injected here to
// avoid a dependency cycle.
type ApplyFunc func(entry consensus.Entry) error

// Node is one replica's leader/follower/candidate state machine. It owns a
// consensus.Log, drives elections and heartbeats on its own timers, and
// exposes the contracts the Command Gateway needs.
type Node struct {
	mu sync.Mutex

	id      int
	peers   []string // address per peer index, including self
	dataDir string

	cfg       *config.Config
	transport Transport
	log       *logrus.Entry

	consensusLog *consensus.Log
	applyFn      ApplyFunc

	role        Role
	currentTerm uint64
	votedFor    int
	leaderID    int // -1 means unknown

	staticLeader bool // config.StaticLeaderIndex >= 0

	batcher           *Batcher
	snapshotInstaller SnapshotInstaller

	lastApplied uint64
	commitWaiters map[uint64][]chan struct{}

	electionTimer *time.Timer
	stopCh        chan struct{}
	stopped       bool
}

// NewNode constructs a node; call Start to begin timers and, if leader,
// replication.
func NewNode(cfg *config.Config, dataDir string, id int, peers []string, clog *consensus.Log, transport Transport, applyFn ApplyFunc, log *logrus.Entry) (*Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ps, err := loadPersistentState(dataDir, id)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:            id,
		peers:         peers,
		dataDir:       dataDir,
		cfg:           cfg,
		transport:     transport,
		log:           log.WithField("node_id", id),
		consensusLog:  clog,
		applyFn:       applyFn,
		role:          Follower,
		currentTerm:   ps.CurrentTerm,
		votedFor:      ps.VotedFor,
		leaderID:      -1,
		staticLeader:  cfg.StaticLeaderIndex >= 0,
		commitWaiters: map[uint64][]chan struct{}{},
		stopCh:        make(chan struct{}),
	}
	n.batcher = newBatcher(n)

	if n.staticLeader {
		n.leaderID = cfg.StaticLeaderIndex
		if id == cfg.StaticLeaderIndex {
			n.role = Leader
		}
	}

	return n, nil
}

// Start begins the node's background timers.
func (n *Node) Start() {
	if n.staticLeader {
		if n.role == Leader {
			n.batcher.start()
		}
		return
	}
	n.resetElectionTimerLocked(false)
	go n.electionLoop()
}

// Stop halts all background goroutines.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.mu.Unlock()
	n.batcher.stop()
}

func (n *Node) resetElectionTimerLocked(_ bool) {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	timeout := jitter(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
	n.electionTimer = time.NewTimer(timeout)
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (n *Node) electionLoop() {
	for {
		n.mu.Lock()
		timer := n.electionTimer
		n.mu.Unlock()

		select {
		case <-n.stopCh:
			return
		case <-timer.C:
			n.startElection()
		}
	}
}

// startElection implements the Candidate role: increments term, votes for
// self, requests votes from peers, and becomes Leader on majority.
func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	_ = savePersistentState(n.dataDir, persistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor, NodeID: n.id})
	n.resetElectionTimerLocked(false)
	lastIndex := n.consensusLog.LastIndex()
	lastTerm := n.consensusLog.LastTerm()
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	votes := 1 // self
	var voteMu sync.Mutex
	var wg sync.WaitGroup

	for i, addr := range peers {
		if i == n.id {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			reply, err := n.transport.SendRequestVote(addr, &RequestVoteArgs{
				Term: term, CandidateID: n.id, LastLogIndex: lastIndex, LastLogTerm: lastTerm,
			})
			if err != nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.stepDownLocked(reply.Term)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			if reply.Granted {
				voteMu.Lock()
				votes++
				voteMu.Unlock()
			}
		}(addr)
	}
	wg.Wait()

	majority := len(peers)/2 + 1
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != term {
		return // a higher term arrived, or we already converted
	}
	if votes >= majority {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	n.log.WithField("term", n.currentTerm).Info("became leader")
	// Establish authority immediately with an empty append-entries.
	go n.batcher.start()
	n.batcher.notify()
}

func (n *Node) stepDownLocked(term uint64) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = -1
		_ = savePersistentState(n.dataDir, persistentState{CurrentTerm: n.currentTerm, VotedFor: -1, NodeID: n.id})
	}
	if n.role == Leader {
		n.batcher.stop()
	}
	n.role = Follower
	n.leaderID = -1
	n.resetElectionTimerLocked(false)
}

// HandleRequestVote implements the voter side of leader election.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		return &RequestVoteReply{Term: n.currentTerm, Granted: false}
	}

	upToDate := args.LastLogTerm > n.consensusLog.LastTerm() ||
		(args.LastLogTerm == n.consensusLog.LastTerm() && args.LastLogIndex >= n.consensusLog.LastIndex())

	if (n.votedFor == -1 || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		_ = savePersistentState(n.dataDir, persistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor, NodeID: n.id})
		n.resetElectionTimerLocked(false)
		return &RequestVoteReply{Term: n.currentTerm, Granted: true}
	}
	return &RequestVoteReply{Term: n.currentTerm, Granted: false}
}

// HandleAppendEntries implements the follower side of replication and
// heartbeats.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &AppendEntriesReply{Term: term, Success: false}
	}

	if n.role == Candidate {
		n.role = Follower
	}
	n.leaderID = args.LeaderID
	n.resetElectionTimerLocked(false)
	term := n.currentTerm
	n.mu.Unlock()

	result, err := n.consensusLog.Receive(args.Entries, args.PrevIndex, args.PrevTerm, args.LeaderCommit)
	if err != nil {
		return &AppendEntriesReply{Term: term, Success: false}
	}
	if result.Success {
		n.driveApply()
	}
	return &AppendEntriesReply{Term: term, Success: result.Success, LastIndex: result.LastIndex}
}

// driveApply applies every committed entry above lastApplied, in order.
func (n *Node) driveApply() {
	n.mu.Lock()
	from := n.lastApplied + 1
	n.mu.Unlock()

	for _, e := range n.consensusLog.ReadCommitted(from) {
		if n.applyFn != nil {
			if err := n.applyFn(e); err != nil {
				n.log.WithError(err).WithField("index", e.Index).Warn("apply failed for committed entry")
			}
		}
		n.mu.Lock()
		n.lastApplied = e.Index
		waiters := n.commitWaiters[e.Index]
		delete(n.commitWaiters, e.Index)
		n.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
	}
}

// Submit appends payload as a new consensus entry if this node is leader.
func (n *Node) Submit(payload []byte) (index uint64, term uint64, err error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := ""
		if n.leaderID >= 0 && n.leaderID < len(n.peers) {
			leader = n.peers[n.leaderID]
		}
		n.mu.Unlock()
		if leader == "" {
			return 0, 0, lerrors.New(lerrors.NotLeader, "unknown")
		}
		return 0, 0, lerrors.New(lerrors.NotLeader, leader)
	}
	term = n.currentTerm
	n.mu.Unlock()

	index, err = n.consensusLog.AppendLocal(term, payload)
	if err != nil {
		return 0, 0, err
	}
	n.batcher.notify()
	return index, term, nil
}

// WaitCommitted blocks until index is committed and applied, or the timeout
// elapses.
func (n *Node) WaitCommitted(index uint64, timeout time.Duration) error {
	n.mu.Lock()
	if n.lastApplied >= index {
		n.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	n.commitWaiters[index] = append(n.commitWaiters[index], ch)
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return lerrors.New(lerrors.Timeout, "wait_committed deadline exceeded")
	}
}

// Status is the node-status outcome the Command Gateway surfaces.
type Status struct {
	Role        Role
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	LeaderAddr  string
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	leaderAddr := ""
	if n.leaderID >= 0 && n.leaderID < len(n.peers) {
		leaderAddr = n.peers[n.leaderID]
	}
	return Status{
		Role:        n.role,
		Term:        n.currentTerm,
		CommitIndex: n.consensusLog.CommitIndex(),
		LastApplied: n.lastApplied,
		LeaderAddr:  leaderAddr,
	}
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}
