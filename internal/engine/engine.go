package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"careops/internal/automation"
	"careops/internal/config"
	"careops/internal/domain"
	"careops/internal/engine/auth"
	"careops/internal/events"
	"careops/internal/metrics"
	"careops/internal/repo"
	"careops/internal/scheduler"
)

var (
	// ErrInvalidInput marks a request the caller must fix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition marks a status change the entity does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Queue   scheduler.Queue
	Metrics *metrics.Metrics
	Now     func() time.Time
	// RulesChanged is called after a workspace's rules are created, updated or deleted.
	RulesChanged func(workspaceID string)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Queue: scheduler.Queue{
			Repo:           r,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			BackoffInitial: cfg.Worker.BackoffInitial.Std(),
			BackoffMax:     cfg.Worker.BackoffMax.Std(),
		},
		Now: time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// queue shares the engine clock unless the queue has its own.
func (e Engine) queue() scheduler.Queue {
	q := e.Queue
	if q.Repo.DB == nil {
		q.Repo = e.Repo
	}
	if q.Now == nil {
		q.Now = e.now
	}
	return q
}

// TaskQueue is the queue the engine raises events into.
func (e Engine) TaskQueue() scheduler.Queue {
	return e.queue()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// raise records evtType in the event log and, for event types rules may subscribe to,
// enqueues an automation.trigger task in the same transaction.
func (e Engine) raise(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, data map[string]any) error {
	payload := events.EventPayload{}
	for k, v := range data {
		payload[k] = v
	}
	if !events.Known(evtType) {
		return e.events().Append(ctx, tx, evtType, workspaceID, entityKind, entityID, actorID, payload)
	}
	evtID := uuid.NewString()
	payload["event_id"] = evtID
	if err := e.events().Append(ctx, tx, evtType, workspaceID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	evt := automation.Event{ID: evtID, Type: evtType, WorkspaceID: workspaceID, Data: data}
	if _, _, err := e.queue().ScheduleTx(ctx, tx, automation.TaskTrigger, evt, e.now(), "trigger:"+evtID); err != nil {
		return fmt.Errorf("enqueue %s trigger: %w", evtType, err)
	}
	return nil
}

// RaiseEvent emits a domain event by hand, as if an entity change had produced it.
func (e Engine) RaiseEvent(ctx context.Context, workspaceID, evtType string, data map[string]any, actorID string) error {
	if !events.Known(evtType) {
		return invalidf("unknown event type %q", evtType)
	}
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.raise(ctx, tx, evtType, workspaceID, "event", "", actorID, data); err != nil {
		return err
	}
	return tx.Commit()
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "item"
	}
	return s
}

// uniqueSlug appends -2, -3, ... until the slug is free.
func (e Engine) uniqueSlug(ctx context.Context, tx *sql.Tx, table, workspaceID, name string) (string, error) {
	base := slugify(name)
	slug := base
	for n := 2; ; n++ {
		taken, err := e.Repo.SlugTaken(ctx, tx, table, workspaceID, slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

// WorkspaceCreateOptions are parameters for creating a workspace.
type WorkspaceCreateOptions struct {
	Name         string
	Timezone     string
	ContactEmail string
	ActorID      string
}

// CreateWorkspace creates a workspace, seeds the configured roles and makes the actor its owner.
func (e Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Workspace{}, invalidf("workspace name is required")
	}
	if opts.Timezone == "" {
		opts.Timezone = e.config().Workspace.Timezone
	}
	if _, err := time.LoadLocation(opts.Timezone); err != nil {
		return domain.Workspace{}, invalidf("timezone %q: %v", opts.Timezone, err)
	}
	if opts.ActorID == "" {
		opts.ActorID = "local-user"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	slug, err := e.uniqueSlug(ctx, tx, "workspaces", "", opts.Name)
	if err != nil {
		return domain.Workspace{}, err
	}
	now := e.stamp()
	w := domain.Workspace{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(opts.Name),
		Slug:         slug,
		Timezone:     opts.Timezone,
		ContactEmail: opts.ContactEmail,
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	for id, role := range e.config().RBAC.Roles {
		if err := e.Repo.UpsertRole(ctx, tx, id, role.Description, role.Permissions); err != nil {
			return domain.Workspace{}, fmt.Errorf("seed role %s: %w", id, err)
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
		return domain.Workspace{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignMember(ctx, tx, w.ID, opts.ActorID, "owner"); err != nil {
		return domain.Workspace{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.raise(ctx, tx, "workspace.created", w.ID, "workspace", w.ID, opts.ActorID, map[string]any{"slug": w.Slug}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// AddMember grants actorID a configured role in a workspace.
func (e Engine) AddMember(ctx context.Context, workspaceID, actorID, roleID, byActor string) error {
	if _, ok := e.config().RBAC.Roles[roleID]; !ok {
		return invalidf("unknown role %q", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	role := e.config().RBAC.Roles[roleID]
	if err := e.Repo.UpsertRole(ctx, tx, roleID, role.Description, role.Permissions); err != nil {
		return err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.stamp()); err != nil {
		return err
	}
	if err := e.Repo.AssignMember(ctx, tx, workspaceID, actorID, roleID); err != nil {
		return err
	}
	if err := e.raise(ctx, tx, "member.added", workspaceID, "actor", actorID, byActor, map[string]any{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}
