package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"careops/internal/config"
	"careops/internal/domain"
	"careops/internal/repo"
)

// LoadConfig reads careops.yml from dir and applies CAREOPS_* secret overrides.
func LoadConfig(dir string, overrides map[string]string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	for key, value := range overrides {
		if strings.TrimSpace(value) == "" {
			continue
		}
		switch key {
		case "jwt_secret":
			cfg.Server.JWTSecret = value
		case "smtp_url":
			cfg.Notify.Email.URL = value
		case "smtp_from":
			cfg.Notify.Email.From = value
		case "sms_account_sid":
			cfg.Notify.SMS.AccountSID = value
		case "sms_auth_token":
			cfg.Notify.SMS.AuthToken = value
		case "sms_from":
			cfg.Notify.SMS.From = value
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveWorkspace picks the workspace a command acts on. ref may be an id or a slug;
// when it is empty the database must hold exactly one workspace.
func ResolveWorkspace(ctx context.Context, r repo.Repo, ref string) (domain.Workspace, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ws, err := r.SingleWorkspace(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workspace{}, fmt.Errorf("workspace not specified; use --workspace-id")
		}
		return ws, err
	}
	ws, err := r.GetWorkspace(ctx, ref)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Workspace{}, err
	}
	ws, err = r.GetWorkspaceBySlug(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Workspace{}, fmt.Errorf("workspace %q: %w", ref, repo.ErrNotFound)
	}
	return ws, err
}
