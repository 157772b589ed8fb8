package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"careops/internal/domain"
	"careops/internal/repo"
)

// WhoAmIResult lists an actor's roles and permissions in one workspace.
type WhoAmIResult struct {
	ActorID     string   `json:"actor_id"`
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, workspaceID, actorID string) (WhoAmIResult, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, workspaceID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, workspaceID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return WhoAmIResult{ActorID: actorID, WorkspaceID: workspaceID, Roles: roles, Permissions: perms}, nil
}

// Require checks that actorID holds perm in the workspace.
func (e Engine) Require(ctx context.Context, workspaceID, actorID, perm string) error {
	return e.Auth.Require(ctx, workspaceID, actorID, perm)
}

// CreateAPIKey mints a key for actorID. The plain key is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", invalidf("actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plain := "co_" + hex.EncodeToString(buf)
	now := e.stamp()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, "apikey.created", "", "actor", actorID, actorID, map[string]any{"key_id": key.ID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
