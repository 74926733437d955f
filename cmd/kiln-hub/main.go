// Command kiln-hub runs the reference platform hub: code versions,
// experiments, artifacts, models and job records over HTTP, stored in sqlite.
package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/store"
)

const defaultDBPath = "kiln-hub.db"

func main() {
	if err := newCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kiln-hub",
		Short: "Serve the kiln platform API",
		Long: `kiln-hub serves the platform API used by kiln and kiln-provider.

Settings come from the config file and KILN_ environment variables, for
example KILN_LISTEN_ADDR, KILN_DB_PATH and KILN_API_KEY.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/kiln/config.yaml)")
	return cmd
}

func serve(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cmd.OutOrStdout(), cfg.Level(), cfg.LogFormat)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	logger.Info("kiln-hub: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", dbPath,
		"auth", cfg.APIKey != "",
	)

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	srv := api.NewServer(cfg.ListenAddr, api.Options{
		Hub:            db,
		APIKey:         cfg.APIKey,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	return srv.Run(cmd.Context())
}
