package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ab-resolver/internal/store"
)

// initStore validates the config for mode, opens the configured experiment
// source and applies migrations.
func initStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}
