package app

import (
	"context"
	"errors"
	"os"

	"bastion/internal/config"
	"bastion/internal/repo"
)

// ResolveConfig loads the workspace catalog from bastion.yml when present,
// falling back to the embedded default.
func ResolveConfig(workspace string) (*config.Config, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.FromFile(path)
}

// ResolveSessionConfig prefers the catalog pinned to a session over the
// workspace one, so late catalog edits never change a running game.
func ResolveSessionConfig(ctx context.Context, r repo.Repo, sessionID string, fallback *config.Config) (*config.Config, error) {
	if sessionID == "" {
		return fallback, nil
	}
	cfg, err := r.GetSessionConfig(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fallback, nil
		}
		return nil, err
	}
	return cfg, nil
}
