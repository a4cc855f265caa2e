// Package app wires a workspace into a ready engine: database, schema,
// and config.
package app

import (
	"fmt"
	"os"

	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/engine"
	"controlroom/internal/migrate"
)

// Bootstrap opens the workspace database, applies migrations, and loads
// controlroom.yml. A missing config file is seeded with defaults so a
// fresh workspace works out of the box.
func Bootstrap(workspace, emitterID string) (engine.Engine, func(), error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if cfg == nil {
		if emitterID == "" {
			emitterID = defaultEmitterID()
		}
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(emitterID)), 0o644); err != nil {
			return engine.Engine{}, nil, fmt.Errorf("seed config: %w", err)
		}
		cfg = config.Default(emitterID)
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	return e, func() { conn.Close() }, nil
}

func defaultEmitterID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "control-room"
	}
	return "control-room@" + host
}
