package main

import (
	"fmt"

	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/db"
	"github.com/zulandar/ventriloquist/internal/durable"
	"gorm.io/gorm"
)

// store bundles what the admin commands need.
type store struct {
	cfg    *config.Config
	db     *gorm.DB
	engine *durable.Engine
}

// openStore loads the config and opens an engine over its database. The
// engine has no orchestrators registered; it only inspects and signals
// instances owned by a running server.
func openStore(configPath string) (*store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	eng, err := durable.NewEngine(durable.EngineOpts{DB: gormDB})
	if err != nil {
		closeDB(gormDB)
		return nil, err
	}
	return &store{cfg: cfg, db: gormDB, engine: eng}, nil
}

func (s *store) Close() {
	s.engine.Close()
	closeDB(s.db)
}

func closeDB(gormDB *gorm.DB) {
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
}

// parseStatuses converts status names from flags or config.
func parseStatuses(names []string) ([]durable.Status, error) {
	out := make([]durable.Status, 0, len(names))
	for _, n := range names {
		s, err := durable.ParseStatus(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
