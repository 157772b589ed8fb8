package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"careops/internal/domain"
	"careops/internal/metrics"
	"careops/internal/repo"
)

var ErrMissingWorkspace = errors.New("event has no workspace id")

// RuleOutcome is the result of one matched rule.
type RuleOutcome struct {
	RuleID   string       `json:"rule_id"`
	RuleName string       `json:"rule_name"`
	Result   ActionResult `json:"result"`
}

// Runner executes one rule; Executor is the production implementation.
type Runner interface {
	Execute(ctx context.Context, rule domain.AutomationRule, evt Event) ActionResult
}

// Engine matches events to the active rules of their workspace and runs them one at a time.
type Engine struct {
	repo    repo.Repo
	runner  Runner
	rules   *cache.Cache
	log     *zap.Logger
	metrics *metrics.Metrics
	Now     func() time.Time
}

// NewEngine caches active rules per (workspace, event type) for ruleTTL; zero disables the cache.
func NewEngine(r repo.Repo, runner Runner, ruleTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{repo: r, runner: runner, log: log, metrics: m}
	if ruleTTL > 0 {
		e.rules = cache.New(ruleTTL, 2*ruleTTL)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func ruleCacheKey(workspaceID, eventType string) string {
	return workspaceID + "|" + eventType
}

// InvalidateRules drops cached rules of a workspace after they change.
func (e *Engine) InvalidateRules(workspaceID string) {
	if e.rules == nil {
		return
	}
	prefix := workspaceID + "|"
	for key := range e.rules.Items() {
		if strings.HasPrefix(key, prefix) {
			e.rules.Delete(key)
		}
	}
}

func (e *Engine) activeRules(ctx context.Context, workspaceID, eventType string) ([]domain.AutomationRule, error) {
	key := ruleCacheKey(workspaceID, eventType)
	if e.rules != nil {
		if cached, ok := e.rules.Get(key); ok {
			return cached.([]domain.AutomationRule), nil
		}
	}
	rules, err := e.repo.ActiveRules(ctx, workspaceID, eventType)
	if err != nil {
		return nil, err
	}
	if e.rules != nil {
		e.rules.SetDefault(key, rules)
	}
	return rules, nil
}

// TriggerEvent runs every active rule of evt's workspace registered for evt.Type. A failing
// or panicking rule does not stop the others, and each matched rule's execution count is
// bumped before dispatch whatever its outcome. The returned error covers only failures to
// load rules, in which case no rule ran.
func (e *Engine) TriggerEvent(ctx context.Context, evt Event) ([]RuleOutcome, error) {
	log := e.log.With(zap.String("workspace_id", evt.WorkspaceID), zap.String("event_type", evt.Type))
	if evt.WorkspaceID == "" {
		log.Error("event rejected", zap.Error(ErrMissingWorkspace))
		return nil, ErrMissingWorkspace
	}
	rules, err := e.activeRules(ctx, evt.WorkspaceID, evt.Type)
	if err != nil {
		log.Error("rule lookup failed; trigger abandoned", zap.Error(err))
		return nil, fmt.Errorf("load rules: %w", err)
	}
	outcomes := make([]RuleOutcome, 0, len(rules))
	for _, rule := range rules {
		if rule.WorkspaceID != evt.WorkspaceID || rule.EventType != evt.Type || !rule.IsActive {
			continue
		}
		// The stored row wins over the cache: a rule disabled or edited elsewhere runs as stored.
		current, claimed, err := e.repo.ClaimRuleExecution(ctx, rule.WorkspaceID, rule.ID, rule.EventType, e.now().Format(time.RFC3339))
		if err != nil {
			log.Error("record rule execution failed; rule not run", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !claimed {
			log.Info("rule no longer active; dropping cached rules", zap.String("rule_id", rule.ID))
			e.InvalidateRules(evt.WorkspaceID)
			continue
		}
		rule = current
		res := e.runRule(ctx, rule, evt)
		e.metrics.RuleRun(string(res.Action), res.Outcome())
		fields := []zap.Field{zap.String("rule_id", rule.ID), zap.String("action", string(res.Action)), zap.String("detail", res.Detail)}
		switch res.Outcome() {
		case "failed":
			log.Warn("rule failed", fields...)
		case "skipped":
			log.Info("rule skipped", fields...)
		default:
			log.Info("rule executed", fields...)
		}
		outcomes = append(outcomes, RuleOutcome{RuleID: rule.ID, RuleName: rule.Name, Result: res})
	}
	log.Debug("event processed", zap.Int("rules", len(outcomes)))
	return outcomes, nil
}

func (e *Engine) runRule(ctx context.Context, rule domain.AutomationRule, evt Event) (res ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ActionResult{Action: ActionType(rule.ActionType), Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.runner.Execute(ctx, rule, evt)
}
