package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lithair/lithair/internal/apply"
	"github.com/lithair/lithair/internal/config"
	"github.com/lithair/lithair/internal/consensus"
	"github.com/lithair/lithair/internal/eventlog"
	"github.com/lithair/lithair/internal/gateway"
	"github.com/lithair/lithair/internal/raft"
	"github.com/lithair/lithair/internal/rpcwire"
	"github.com/lithair/lithair/internal/schema"
	"github.com/lithair/lithair/internal/snapshot"
	"github.com/lithair/lithair/internal/state"
)

// aggregateLogs lazily opens and caches one eventlog.Log per aggregate
// identifier (model/key): a logical stream of events sharing that
// identifier.
type aggregateLogs struct {
	mu      sync.Mutex
	dataDir string
	opts    eventlog.Options
	log     *logrus.Entry
	logs    map[string]*eventlog.Log
}

func newAggregateLogs(dataDir string, opts eventlog.Options, log *logrus.Entry) *aggregateLogs {
	return &aggregateLogs{dataDir: dataDir, opts: opts, log: log, logs: map[string]*eventlog.Log{}}
}

func (a *aggregateLogs) get(aggregate string) (*eventlog.Log, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.logs[aggregate]; ok {
		return l, nil
	}
	l, err := eventlog.Open(a.dataDir, aggregate, a.opts, a.log)
	if err != nil {
		return nil, err
	}
	a.logs[aggregate] = l
	return l, nil
}

func (a *aggregateLogs) snapshot() map[string]*eventlog.Log {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*eventlog.Log, len(a.logs))
	for k, v := range a.logs {
		out[k] = v
	}
	return out
}

// aggregateOf derives a deterministic aggregate identifier for a command's
// model/key, matching the event log's per-aggregate chaining granularity.
func aggregateOf(model, key string) string {
	return model + "-" + key
}

func newServeCmd(log *logrus.Logger, cfgPath *string) *cobra.Command {
	var nodeID int
	var peers []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run this node, participating in replication and serving commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, func(c *config.Config) {
				c.NodeID = nodeID
				if len(peers) > 0 {
					c.Peers = peers
				}
			})
			if err != nil {
				return err
			}

			fl, err := acquireDataDirLock(cfg.DataDir)
			if err != nil {
				return err
			}
			defer fl.Unlock()

			entry := logrus.NewEntry(log).WithField("node_id", cfg.NodeID)

			registry, err := schema.Open(cfg.DataDir, schema.Mode(cfg.SchemaRegistryMode), entry)
			if err != nil {
				return err
			}
			engine := state.New(cfg.StateReadCacheSize)
			applier := &apply.Applier{Engine: engine, Registry: registry}

			aggLogs := newAggregateLogs(cfg.DataDir, eventlog.OptionsFromConfig(cfg), entry)

			clog, err := consensus.Open(cfg.DataDir)
			if err != nil {
				return err
			}

			client := rpcwire.NewClient(cfg.ReplicationRPCTimeout)

			applyFn := func(entry consensus.Entry) error {
				kind, body, err := apply.Decode(entry.Payload)
				if err != nil {
					return err
				}
				if aggregate, ok := aggregateOfEnvelope(kind, body); ok {
					l, err := aggLogs.get(aggregate)
					if err != nil {
						return err
					}
					if _, err := l.Append(string(kind), entry.Payload); err != nil {
						return err
					}
				}
				return applier.Apply(entry.Payload)
			}

			node, err := raft.NewNode(cfg, cfg.DataDir, cfg.NodeID, cfg.Peers, clog, client, applyFn, entry)
			if err != nil {
				return err
			}

			snapMgr, err := snapshot.New(cfg.DataDir, engine, registry, entry)
			if err != nil {
				return err
			}
			node.SetSnapshotInstaller(snapMgr)

			sender := rpcwire.NewSnapshotSender(client, cfg.SnapshotTransferRateBytes, cfg.SnapshotTransferConcurrency, cfg.SnapshotTransferChunkBytes)
			node.SetOnDesync(func(peerAddr string) {
				status := node.Status()
				path, err := snapMgr.Produce(status.CommitIndex, status.Term, aggLogs.snapshot())
				if err != nil {
					entry.WithError(err).WithField("peer", peerAddr).Warn("produce snapshot for desynced follower")
					return
				}
				if err := sender.Send(context.Background(), peerAddr, status.Term, cfg.NodeID, status.CommitIndex, status.Term, path); err != nil {
					entry.WithError(err).WithField("peer", peerAddr).Warn("snapshot transfer to desynced follower failed")
				}
			})

			svc := rpcwire.NewService(node)
			listenAddr := cfg.Peers[cfg.NodeID]
			ln, err := rpcwire.Serve(listenAddr, svc)
			if err != nil {
				return err
			}
			defer ln.Close()

			node.Start()
			defer node.Stop()

			gw := gateway.New(node, engine, cfg.CommandQueueHighWatermark)
			_ = gw // the HTTP seam (out of core scope) would hold this

			entry.WithField("addr", listenAddr).Info("lithaird serving")
			select {} // the core keeps running until killed; the process owner handles signals
		},
	}

	cmd.Flags().IntVar(&nodeID, "node-id", 0, "this node's index into the peer list")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "replica set addresses, indexed by node id")
	return cmd
}

// aggregateOfEnvelope extracts the aggregate identifier a create/update/
// delete command targets, if any (migration/no-op events have none).
func aggregateOfEnvelope(kind apply.Kind, body []byte) (string, bool) {
	switch kind {
	case apply.KindCreate:
		var op apply.CreateOp
		if json.Unmarshal(body, &op) == nil {
			return aggregateOf(op.Model, op.Key), true
		}
	case apply.KindUpdate:
		var op apply.UpdateOp
		if json.Unmarshal(body, &op) == nil {
			return aggregateOf(op.Model, op.Key), true
		}
	case apply.KindDelete:
		var op apply.DeleteOp
		if json.Unmarshal(body, &op) == nil {
			return aggregateOf(op.Model, op.Key), true
		}
	}
	return "", false
}
