package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/engine"
	"governor/internal/metrics"
	"governor/internal/migrate"
	"governor/internal/repo"
)

// ResolveConfig returns the governance config stored in the DB, seeding it
// when missing: governor.yml in the workspace wins over the built-in default.
// The configured roles are synced into the permission table either way.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetGovernanceConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg, err = seedConfig(workspace)
		if err != nil {
			return nil, err
		}
		if err := r.UpsertGovernanceConfig(ctx, nil, cfg); err != nil {
			return nil, fmt.Errorf("seed governance config: %w", err)
		}
	}
	if err := r.SyncRolePermissions(ctx, nil, cfg.RBAC.Roles); err != nil {
		return nil, fmt.Errorf("sync roles: %w", err)
	}
	return cfg, nil
}

func seedConfig(workspace string) (*config.Config, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return config.FromFile(path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return config.Default(), nil
}

// ImportConfig validates cfg and replaces the stored copy.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertGovernanceConfig(ctx, tx, cfg); err != nil {
		return err
	}
	if err := r.SyncRolePermissions(ctx, tx, cfg.RBAC.Roles); err != nil {
		return err
	}
	return tx.Commit()
}

// OpenEngine opens and migrates the workspace database and builds an engine
// on the resolved config. The caller closes the returned DB.
func OpenEngine(ctx context.Context, workspace string, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := ResolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	rec, err := metrics.New(nil)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng.Metrics = rec
	eng.Logger = logger
	return eng, conn, nil
}
