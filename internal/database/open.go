package database

import (
	"context"
	"fmt"
	"io"

	"github.com/NikhilSetiya/invest-assistant/pkg/config"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the Store selected by cfg.Database.Driver. The memory store
// is seeded with the default catalog so a fresh process can route at once.
func Open(ctx context.Context, cfg *config.Config) (Store, io.Closer, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		store := NewMemoryStore()
		if err := Seed(ctx, store); err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil

	case "postgres", "mysql":
		db, err := New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLStore(db), db, nil

	case "supabase":
		store, err := NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.Key)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil

	default:
		return nil, nil, errors.NewValidationError(fmt.Sprintf("unsupported database driver: %s", cfg.Database.Driver))
	}
}
