package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/store"
)

// connectPool opens the PostGIS pool every engine command works against.
func connectPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := cfg.Validate(config.ScopeDatabase); err != nil {
		return nil, err
	}
	return db.Connect(ctx, cfg.Database.URL, cfg.Database.Pool())
}

// initStore opens the run store. The postgres driver reuses pool.
func initStore(ctx context.Context, pool db.Pool) (store.Store, error) {
	if err := cfg.Validate(config.ScopeStore); err != nil {
		return nil, err
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		if pool == nil {
			return nil, eris.New("postgres run store needs a database pool")
		}
		st = store.NewPostgres(pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
