package repository

import (
	"fmt"

	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/db"
)

// Provide opens the configured workspace source: the SQL database when a
// driver is set, the YAML file otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (Repository, error) {
	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		repo, err := NewSQLRepository(conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("workspace database: %w", err)
		}
		return repo, nil
	}
	return NewYAMLRepository(cfg.Workspaces.File, log)
}
