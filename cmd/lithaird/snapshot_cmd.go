package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lithair/lithair/internal/apply"
	"github.com/lithair/lithair/internal/consensus"
	"github.com/lithair/lithair/internal/eventlog"
	"github.com/lithair/lithair/internal/schema"
	"github.com/lithair/lithair/internal/snapshot"
	"github.com/lithair/lithair/internal/state"
)

func newSnapshotCmd(log *logrus.Logger, cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "force a snapshot of this node's current committed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, nil)
			if err != nil {
				return err
			}
			entry := logrus.NewEntry(log)

			registry, err := schema.Open(cfg.DataDir, schema.Mode(cfg.SchemaRegistryMode), entry)
			if err != nil {
				return err
			}
			engine := state.New(cfg.StateReadCacheSize)
			applier := &apply.Applier{Engine: engine, Registry: registry}

			clog, err := consensus.Open(cfg.DataDir)
			if err != nil {
				return err
			}

			aggLogs := newAggregateLogs(cfg.DataDir, eventlog.OptionsFromConfig(cfg), entry)
			for _, e := range clog.ReadCommitted(1) {
				kind, body, err := apply.Decode(e.Payload)
				if err != nil {
					return err
				}
				if aggregate, ok := aggregateOfEnvelope(kind, body); ok {
					if _, err := aggLogs.get(aggregate); err != nil {
						return err
					}
				}
				if err := applier.Apply(e.Payload); err != nil {
					entry.WithError(err).WithField("index", e.Index).Warn("skipping failed replay entry")
				}
			}

			mgr, err := snapshot.New(cfg.DataDir, engine, registry, entry)
			if err != nil {
				return err
			}
			path, err := mgr.Produce(clog.CommitIndex(), clog.LastTerm(), aggLogs.snapshot())
			if err != nil {
				return err
			}
			fmt.Printf("snapshot written: %s\n", path)
			return nil
		},
	}
	return cmd
}
