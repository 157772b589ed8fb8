package app

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"careops/internal/automation"
	"careops/internal/config"
	"careops/internal/engine"
	"careops/internal/jobs"
	"careops/internal/metrics"
	"careops/internal/notify"
	"careops/internal/scheduler"
)

// NewLogger returns a production JSON logger, or a console logger at debug level.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// BuildSender routes each channel to its configured provider behind a Guard. Channels
// without a provider fall back to the log sender so local setups still run end to end.
func BuildSender(cfg *config.Config, log *zap.Logger) notify.Sender {
	guard := func(name string) notify.GuardConfig {
		return notify.GuardConfig{
			Name:          name,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
			Retries:       cfg.Notify.Retries,
			MaxFailures:   cfg.Notify.Breaker.MaxFailures,
			OpenTimeout:   cfg.Notify.Breaker.OpenTimeout.Std(),
		}
	}
	fallback := notify.LogSender{Log: log.Named("notify")}
	router := notify.Router{
		notify.ChannelEmail: fallback,
		notify.ChannelSMS:   fallback,
	}
	if cfg.Notify.Email.URL != "" {
		email, err := notify.NewEmailSender(cfg.Notify.Email.URL, cfg.Notify.Email.From, log)
		if err != nil {
			log.Warn("email provider disabled", zap.Error(err))
		} else {
			router[notify.ChannelEmail] = notify.NewGuard(email, guard("email"), log)
		}
	}
	if cfg.Notify.SMS.AccountSID != "" {
		sms, err := notify.NewSMSSender(notify.SMSConfig{
			BaseURL:    cfg.Notify.SMS.BaseURL,
			AccountSID: cfg.Notify.SMS.AccountSID,
			AuthToken:  cfg.Notify.SMS.AuthToken,
			From:       cfg.Notify.SMS.From,
		}, nil, log)
		if err != nil {
			log.Warn("sms provider disabled", zap.Error(err))
		} else {
			router[notify.ChannelSMS] = notify.NewGuard(sms, guard("sms"), log)
		}
	}
	return router
}

// Runtime is the assembled service: engine, task handlers, worker pool and beat.
type Runtime struct {
	Engine  engine.Engine
	Jobs    *jobs.Jobs
	Worker  *scheduler.Worker
	Beat    *scheduler.Beat
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// NewRuntime wires every component over one database. Rule edits made through the
// returned engine invalidate the automation rule cache.
func NewRuntime(conn *sql.DB, cfg *config.Config, sender notify.Sender, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.New()
	eng := engine.New(conn, cfg)
	eng.Metrics = m

	var trigger *automation.Engine
	eng.RulesChanged = func(workspaceID string) {
		if trigger != nil {
			trigger.InvalidateRules(workspaceID)
		}
	}
	if sender == nil {
		sender = BuildSender(cfg, log)
	}
	j := jobs.New(eng, sender, log.Named("jobs"), m)
	j.FormsURL = cfg.Server.FormsURL
	trigger = j.Trigger

	worker := scheduler.NewWorker(eng.TaskQueue(), scheduler.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval.Std(),
		Lease:        cfg.Worker.Lease.Std(),
	}, log.Named("worker"), m)
	j.Register(worker)
	beat := scheduler.NewBeat(eng.TaskQueue(), jobs.Periodic(cfg.Schedules), time.Minute, log.Named("beat"))

	return &Runtime{Engine: eng, Jobs: j, Worker: worker, Beat: beat, Metrics: m, Log: log}
}
