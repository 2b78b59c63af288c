package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-library/internal/config"
	"github.com/nidhogg/nuka-library/internal/graphproj"
	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/memory"
	"github.com/nidhogg/nuka-library/internal/resolver"
	"github.com/nidhogg/nuka-library/internal/skill"
	"github.com/nidhogg/nuka-library/internal/sqlite"
	pgstore "github.com/nidhogg/nuka-library/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// backend is the persistence surface shared by the SQLite and PostgreSQL stores.
type backend interface {
	skill.GraphStore
	skill.AssignmentStore
	resolver.Source
	library.RunStore
	library.ArtifactRepo
	memory.ArtifactReader
}

// app holds the wired services for one process.
type app struct {
	cfg       *config.Config
	importer  *skill.Importer
	skills    *skill.Manager
	library   *library.Service
	inspector *memory.Inspector
	logger    *zap.Logger
	closers   []func()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return ps, ps.Close, nil
	default:
		s, err := sqlite.Open(cfg.Database.SQLite.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, closeDB, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func(){closeDB}}
	logger.Info("store opened", zap.String("driver", cfg.Database.Driver))

	a.importer = skill.NewImporter(db, logger)
	if cfg.Database.Neo4j.URI != "" {
		a.attachProjector(ctx)
	}
	a.skills = skill.NewManager(db, logger)
	a.library = library.NewService(db, db, resolver.New(db, logger), library.Options{
		BuildRetries:    cfg.Library.Retries(),
		RetryBackoff:    50 * time.Millisecond,
		ContextMaxDepth: cfg.Library.ContextMaxDepth,
		ContextMaxNodes: cfg.Library.ContextMaxNodes,
	}, logger)
	a.inspector = memory.NewInspector(db, cfg.Library.DetailMaxChars, logger)
	return a, nil
}

// attachProjector mirrors imported graphs into Neo4j. An unreachable server
// only disables the projection.
func (a *app) attachProjector(ctx context.Context) {
	n := a.cfg.Database.Neo4j
	p, err := graphproj.New(n.URI, n.User, n.Password, a.logger)
	if err == nil {
		err = p.Ping(ctx)
	}
	if err == nil {
		err = p.EnsureConstraints(ctx)
	}
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without graph projection", zap.Error(err))
		if p != nil {
			p.Close(ctx)
		}
		return
	}
	a.importer.SetProjector(p)
	a.importer.SetExplorer(p)
	a.closers = append(a.closers, func() { p.Close(context.Background()) })
	a.logger.Info("graph projection enabled", zap.String("uri", n.URI))
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
