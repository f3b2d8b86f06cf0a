package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lithair/lithair/internal/schema"
)

func newMigrateCmd(log *logrus.Logger, cfgPath *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "inspect and resolve pending schema migrations",
	}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list pending migrations awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, nil)
			if err != nil {
				return err
			}
			registry, err := schema.Open(cfg.DataDir, schema.Mode(cfg.SchemaRegistryMode), logrus.NewEntry(log))
			if err != nil {
				return err
			}
			for _, p := range registry.Pendings() {
				fmt.Printf("%s  model=%s  changes=%d  created=%s\n", p.ID, p.Model, len(p.Changes), p.Created.Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	})

	var approveModel string
	approveCmd := &cobra.Command{
		Use:   "approve [id]",
		Short: "approve a pending migration by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, nil)
			if err != nil {
				return err
			}
			registry, err := schema.Open(cfg.DataDir, schema.Mode(cfg.SchemaRegistryMode), logrus.NewEntry(log))
			if err != nil {
				return err
			}
			compiled, ok := registry.Stored(approveModel)
			if !ok {
				return fmt.Errorf("unknown model %q", approveModel)
			}
			emission, err := registry.Approve(args[0], compiled)
			if err != nil {
				return err
			}
			fmt.Printf("approved %s: begin+%d steps+commit ready for consensus append\n", emission.Begin.ID, len(emission.Steps))
			return nil
		},
	}
	approveCmd.Flags().StringVar(&approveModel, "model", "", "model the pending migration applies to")
	root.AddCommand(approveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "reject [id]",
		Short: "reject a pending migration by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, nil)
			if err != nil {
				return err
			}
			registry, err := schema.Open(cfg.DataDir, schema.Mode(cfg.SchemaRegistryMode), logrus.NewEntry(log))
			if err != nil {
				return err
			}
			return registry.Reject(args[0])
		},
	})

	return root
}
