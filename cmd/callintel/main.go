// Command callintel is the live call-intelligence server and its operator
// tooling.
//
//	callintel serve                     run the HTTP/WebSocket API
//	callintel classify "fix my tap"     one-shot analysis of a transcript
//	callintel catalog migrate           create the PostgreSQL schema
//	callintel catalog import items.yaml load catalog items into PostgreSQL
//	callintel catalog embed             backfill missing item embeddings
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "callintel",
		Short:         "Live call classification against the service catalog",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCmd(), newClassifyCmd(), newCatalogCmd())
	return root
}

// loadConfig reads the file named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, path, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, path, err
	}
	return cfg, path, nil
}
