package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaybeDesyncInvokesOnDesyncOnceThresholdCrossed(t *testing.T) {
	n := newTestNode(t, nil)
	n.cfg.DesyncFailureThreshold = 2

	notified := make(chan string, 1)
	n.SetOnDesync(func(peerAddr string) {
		notified <- peerAddr
	})

	p := &peerProgress{health: HealthUnknown}
	n.batcher.mu.Lock()
	n.batcher.progress["node1"] = p
	n.batcher.mu.Unlock()

	n.batcher.recordFailure("node1")
	n.batcher.recordFailure("node1")
	n.batcher.recordFailure("node1") // crosses DesyncFailureThreshold=2

	select {
	case addr := <-notified:
		require.Equal(t, "node1", addr)
	case <-time.After(time.Second):
		t.Fatal("OnDesync was not invoked after the failure threshold was crossed")
	}

	require.Equal(t, HealthDesynced, n.batcher.PeerHealth("node1"))
}

func TestMaybeDesyncNoOpWithoutOnDesync(t *testing.T) {
	n := newTestNode(t, nil)
	n.cfg.DesyncFailureThreshold = 0

	p := &peerProgress{health: HealthUnknown}
	n.batcher.mu.Lock()
	n.batcher.progress["node1"] = p
	n.batcher.mu.Unlock()

	// No OnDesync configured: must not panic, and health still updates.
	n.batcher.recordFailure("node1")
	require.Equal(t, HealthDesynced, n.batcher.PeerHealth("node1"))
}

func TestClassifyHealthThresholds(t *testing.T) {
	p := &peerProgress{matchIndex: 0, consecutiveFailures: 0}
	require.Equal(t, HealthHealthy, classifyHealth(p, 0, 10, 1000))

	p.matchIndex = 0
	require.Equal(t, HealthLagging, classifyHealth(p, 5, 10, 1000))

	p.consecutiveFailures = 11
	require.Equal(t, HealthDesynced, classifyHealth(p, 5, 10, 1000))
}

func TestMajorityIndexPicksHighestReplicatedToMajority(t *testing.T) {
	require.Equal(t, uint64(5), majorityIndex([]uint64{5, 5, 3}, 2))
	require.Equal(t, uint64(1), majorityIndex([]uint64{1, 2}, 2))
	require.Equal(t, uint64(2), majorityIndex([]uint64{2, 2}, 2))
}
