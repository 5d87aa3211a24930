package app

import (
	"context"
	"errors"
	"fmt"

	"guildhall/internal/config"
	"guildhall/internal/engine"
	"guildhall/internal/repo"
)

const defaultAssociationID = "default"

// ResolveConfig picks the active association config: the workspace YAML if
// present, else the stored copy, else seeded defaults. The resolved config
// is written back to the store so the server and CLI agree.
func ResolveConfig(ctx context.Context, workspace string, e engine.Engine) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if fileCfg.Association.ID == "" {
			fileCfg.Association.ID = defaultAssociationID
		}
		if err := e.InitAssociation(ctx, fileCfg, "local-user"); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return fileCfg, nil
	}
	stored, err := e.Repo.GetAssociationConfig(ctx, defaultAssociationID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(defaultAssociationID)
	if err := e.InitAssociation(ctx, seed, "local-user"); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
