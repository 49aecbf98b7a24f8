package app

import (
	"context"
	"fmt"

	"github.com/bissquit/fieldsync/internal/config"
	pkgpostgres "github.com/bissquit/fieldsync/internal/pkg/postgres"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/queue/memory"
	queuepostgres "github.com/bissquit/fieldsync/internal/queue/postgres"
	"github.com/bissquit/fieldsync/internal/queue/sqlite"
)

// StoreOpener returns the open function of the configured backend.
func StoreOpener(cfg config.StoreConfig) (queue.OpenFunc, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return func(ctx context.Context) (queue.Store, error) {
			return sqlite.Open(ctx, sqlite.Config{
				Path:        cfg.Path,
				BusyTimeout: cfg.BusyTimeout,
			})
		}, nil
	case config.DriverPostgres:
		return func(ctx context.Context) (queue.Store, error) {
			return queuepostgres.Open(ctx, pkgpostgres.Config{
				URL:             cfg.URL,
				MaxOpenConns:    cfg.MaxOpenConns,
				MaxIdleConns:    cfg.MaxIdleConns,
				ConnMaxLifetime: cfg.ConnMaxLifetime,
				ConnectAttempts: cfg.ConnectAttempts,
			})
		}, nil
	case config.DriverMemory:
		return func(context.Context) (queue.Store, error) {
			return memory.New(), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// OpenStore opens the configured store, migrating it when needed.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (*queue.Opener, queue.Store, error) {
	open, err := StoreOpener(cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opener := queue.NewOpener(open)
	store, err := opener.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return opener, store, nil
}
