package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lithair/lithair/internal/eventlog"
)

func newVerifyCmd(log *logrus.Logger, cfgPath *string) *cobra.Command {
	var aggregate string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "walk an aggregate's event chain and report the first corrupt sequence, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, nil)
			if err != nil {
				return err
			}
			if aggregate == "" {
				return fmt.Errorf("--aggregate is required")
			}

			entry := logrus.NewEntry(log)
			l, err := eventlog.Open(cfg.DataDir, aggregate, eventlog.OptionsFromConfig(cfg), entry)
			if err != nil {
				return err
			}
			defer l.Close()

			result, err := l.Verify()
			if err != nil {
				return err
			}
			if result.OK {
				fmt.Printf("ok: %d events verified for aggregate %q\n", result.EventsChecked, aggregate)
				return nil
			}
			fmt.Printf("corruption detected: first bad sequence %d (aggregate %q, %d events checked)\n",
				result.FirstBadSeq, aggregate, result.EventsChecked)
			return fmt.Errorf("chain verification failed")
		},
	}

	cmd.Flags().StringVar(&aggregate, "aggregate", "", "aggregate identifier to verify")
	return cmd
}
