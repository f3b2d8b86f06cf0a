// Command lithaird runs one replica of the Lithair replicated state engine.
package main

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lithair/lithair/internal/config"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "lithaird",
		Short: "Lithair replicated state engine node",
	}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a TOML config file")

	root.AddCommand(newServeCmd(log, &cfgPath))
	root.AddCommand(newVerifyCmd(log, &cfgPath))
	root.AddCommand(newSnapshotCmd(log, &cfgPath))
	root.AddCommand(newMigrateCmd(log, &cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level failure to a process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	default:
		return 1
	}
}

func loadConfig(cfgPath string, fs func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if fs != nil {
		fs(cfg)
	}
	return cfg, nil
}

// acquireDataDirLock takes an advisory lock on the data directory so two
// processes never open the same WAL as writer simultaneously.
func acquireDataDirLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	fl := flock.New(dataDir + "/.lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("data directory %s is already locked by another process", dataDir)
	}
	return fl, nil
}
