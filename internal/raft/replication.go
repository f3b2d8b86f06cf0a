package raft

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Health classifies a follower's replication progress.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthLagging  Health = "lagging"
	HealthDesynced Health = "desynced"
)

// peerProgress is the leader's per-follower replication bookkeeping.
type peerProgress struct {
	nextIndex           uint64
	matchIndex          uint64
	health              Health
	consecutiveFailures int
}

// Batcher is the leader's replication pipeline: a single dispatch loop that,
// on each heartbeat tick or new entry, sends every follower one batch
// (bounded by ReplicationBatchSize) concurrently, plus health tracking and
// snapshot scheduling for desynced followers.
type Batcher struct {
	node *Node

	mu       sync.Mutex
	progress map[string]*peerProgress

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// OnDesync is invoked when a peer crosses into the desynced state; the
	// caller (typically wired to the Snapshot Manager) is responsible for
	// scheduling an InstallSnapshot transfer instead of incremental append.
	OnDesync func(peerAddr string)
}

func newBatcher(n *Node) *Batcher {
	return &Batcher{
		node:     n,
		progress: map[string]*peerProgress{},
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (b *Batcher) start() {
	b.mu.Lock()
	for i, addr := range b.node.peers {
		if i == b.node.id {
			continue
		}
		if _, ok := b.progress[addr]; !ok {
			b.progress[addr] = &peerProgress{
				nextIndex: b.node.consensusLog.LastIndex() + 1,
				health:    HealthUnknown,
			}
		}
	}
	b.mu.Unlock()

	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.loop()
}

func (b *Batcher) stop() {
	select {
	case <-b.stopCh:
		return
	default:
	}
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Batcher) notify() {
	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.node.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.node.stopCh:
			return
		case <-ticker.C:
			b.dispatchAll()
		case <-b.notifyCh:
			b.dispatchAll()
		}
	}
}

// dispatchAll fans out one replication attempt per follower concurrently,
// waits for all, then advances the commit index to the highest index
// replicated to a majority (including self).
func (b *Batcher) dispatchAll() {
	b.node.mu.Lock()
	if b.node.role != Leader {
		b.node.mu.Unlock()
		return
	}
	term := b.node.currentTerm
	selfMatch := b.node.consensusLog.LastIndex()
	b.node.mu.Unlock()

	var g errgroup.Group
	for i, addr := range b.node.peers {
		if i == b.node.id {
			continue
		}
		addr := addr
		g.Go(func() error {
			b.dispatchOne(addr, term)
			return nil
		})
	}
	_ = g.Wait()

	matches := []uint64{selfMatch}
	b.mu.Lock()
	for _, p := range b.progress {
		matches = append(matches, p.matchIndex)
	}
	b.mu.Unlock()

	majority := len(b.node.peers)/2 + 1
	if idx := majorityIndex(matches, majority); idx > 0 {
		b.node.consensusLog.AdvanceCommit(idx)
		b.node.driveApply()
	}
}

// majorityIndex returns the highest index at which at least `majority` of
// matches are >= that index.
func majorityIndex(matches []uint64, majority int) uint64 {
	var best uint64
	for _, candidate := range matches {
		count := 0
		for _, m := range matches {
			if m >= candidate {
				count++
			}
		}
		if count >= majority && candidate > best {
			best = candidate
		}
	}
	return best
}

func (b *Batcher) dispatchOne(addr string, term uint64) {
	b.mu.Lock()
	p, ok := b.progress[addr]
	if !ok {
		p = &peerProgress{nextIndex: b.node.consensusLog.LastIndex() + 1, health: HealthUnknown}
		b.progress[addr] = p
	}
	nextIndex := p.nextIndex
	b.mu.Unlock()

	prevIndex := uint64(0)
	prevTerm := uint64(0)
	if nextIndex > 1 {
		if e, ok := b.node.consensusLog.EntryAt(nextIndex - 1); ok {
			prevIndex = e.Index
			prevTerm = e.Term
		}
	}
	entries := b.node.consensusLog.EntriesFrom(nextIndex, b.node.cfg.ReplicationBatchSize)

	args := &AppendEntriesArgs{
		Term: term, LeaderID: b.node.id,
		PrevIndex: prevIndex, PrevTerm: prevTerm,
		Entries: entries, LeaderCommit: b.node.consensusLog.CommitIndex(),
	}

	// A transport failure gets a bounded number of fast retries within this
	// dispatch before giving up for the tick; a reachable peer (even one
	// that rejects the append) never retries here.
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = b.node.cfg.ReplicationRPCTimeout
	bo := backoff.WithMaxRetries(eb, 2)

	err := backoff.Retry(func() error {
		reply, sendErr := b.node.transport.SendAppendEntries(addr, args)
		if sendErr != nil {
			return sendErr
		}

		b.node.mu.Lock()
		if reply.Term > b.node.currentTerm {
			b.node.stepDownLocked(reply.Term)
			b.node.mu.Unlock()
			return nil
		}
		b.node.mu.Unlock()

		if reply.Success {
			b.recordSuccess(addr, prevIndex+uint64(len(entries)))
		} else {
			b.recordMismatch(addr, reply.LastIndex)
		}
		return nil
	}, bo)
	if err != nil {
		b.recordFailure(addr)
	}
}

func (b *Batcher) recordSuccess(addr string, matched uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.progress[addr]
	if p == nil {
		return
	}
	if matched > p.matchIndex {
		p.matchIndex = matched
	}
	p.nextIndex = p.matchIndex + 1
	p.consecutiveFailures = 0
	p.health = classifyHealth(p, b.node.consensusLog.LastIndex(), b.node.cfg.DesyncFailureThreshold, b.node.cfg.DesyncLagThreshold)
}

func (b *Batcher) recordMismatch(addr string, followerLast uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.progress[addr]
	if p == nil {
		return
	}
	if followerLast > 0 && followerLast+1 < p.nextIndex {
		p.nextIndex = followerLast + 1
	} else if p.nextIndex > 1 {
		p.nextIndex--
	}
	p.consecutiveFailures++
	prev := p.health
	p.health = classifyHealth(p, b.node.consensusLog.LastIndex(), b.node.cfg.DesyncFailureThreshold, b.node.cfg.DesyncLagThreshold)
	b.maybeDesyncLocked(addr, prev, p)
}

func (b *Batcher) recordFailure(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.progress[addr]
	if p == nil {
		return
	}
	p.consecutiveFailures++
	prev := p.health
	p.health = classifyHealth(p, b.node.consensusLog.LastIndex(), b.node.cfg.DesyncFailureThreshold, b.node.cfg.DesyncLagThreshold)
	b.maybeDesyncLocked(addr, prev, p)
}

func (b *Batcher) maybeDesyncLocked(addr string, prev Health, p *peerProgress) {
	if prev != HealthDesynced && p.health == HealthDesynced && b.OnDesync != nil {
		go b.OnDesync(addr)
	}
}

func classifyHealth(p *peerProgress, leaderLast uint64, failThreshold int, lagThreshold uint64) Health {
	lag := uint64(0)
	if leaderLast > p.matchIndex {
		lag = leaderLast - p.matchIndex
	}
	if p.consecutiveFailures > failThreshold || lag > lagThreshold {
		return HealthDesynced
	}
	if lag > 0 {
		return HealthLagging
	}
	return HealthHealthy
}

// PeerHealth reports a follower's current classification, for status/admin
// surfaces.
func (b *Batcher) PeerHealth(addr string) Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.progress[addr]; ok {
		return p.health
	}
	return HealthUnknown
}
