package rpcwire

import (
	"context"
	"os"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/raft"
)

// SnapshotSender pushes a snapshot file to a desynced follower in bounded
// chunks, throttled so a slow catch-up transfer cannot starve heartbeat
// traffic, and bounded to a configured number of concurrent transfers (one
// per desynced follower, capped).
type SnapshotSender struct {
	client      *Client
	limiter     *rate.Limiter
	concurrency *semaphore.Weighted
	chunkSize   int
}

// NewSnapshotSender builds a sender throttled to bytesPerSecond with at most
// maxConcurrent simultaneous transfers.
func NewSnapshotSender(client *Client, bytesPerSecond int, maxConcurrent int64, chunkSize int) *SnapshotSender {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &SnapshotSender{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
		concurrency: semaphore.NewWeighted(maxConcurrent),
		chunkSize:   chunkSize,
	}
}

// Send transfers the file at path to peer as a sequence of InstallSnapshot
// chunks, blocking until the transfer completes or ctx is canceled.
func (s *SnapshotSender) Send(ctx context.Context, peer string, term uint64, leaderID int, lastIndex, lastTerm uint64, path string) error {
	if err := s.concurrency.Acquire(ctx, 1); err != nil {
		return lerrors.Wrap(lerrors.Timeout, "acquire snapshot transfer slot", err)
	}
	defer s.concurrency.Release(1)

	f, err := os.Open(path)
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "open snapshot for transfer", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "stat snapshot for transfer", err)
	}

	buf := make([]byte, s.chunkSize)
	var offset int64
	for offset < info.Size() {
		n, err := f.ReadAt(buf, offset)
		if n == 0 && err != nil {
			return lerrors.Wrap(lerrors.IO, "read snapshot chunk", err)
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return lerrors.Wrap(lerrors.Timeout, "snapshot transfer rate limit wait", err)
		}

		done := offset+int64(n) >= info.Size()
		reply, sendErr := s.client.SendInstallSnapshot(peer, &raft.InstallSnapshotArgs{
			Term: term, LeaderID: leaderID, LastIndex: lastIndex, LastTerm: lastTerm,
			Offset: offset, Data: append([]byte(nil), buf[:n]...), Done: done,
		})
		if sendErr != nil {
			return sendErr
		}
		if reply.Term > term {
			return lerrors.New(lerrors.Consensus, "observed higher term during snapshot transfer")
		}
		offset += int64(n)
	}
	return nil
}
