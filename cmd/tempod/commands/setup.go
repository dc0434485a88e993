package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/logger"
)

// loadConfig honors the root --config flag before falling back to the
// default locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return config.LoadFromFile(f.Value.String())
	}
	return config.Load()
}

// openDatabase opens the configured database with migrations applied.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	log := logger.Named("db")
	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, log); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
