package main

import (
	"context"
	"log/slog"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/jobstore"
	"github.com/jobd-dev/jobd/internal/lifecycle"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/runner"
	"github.com/jobd-dev/jobd/internal/specs"
)

// stack wires the components a command needs from the configuration.
type stack struct {
	specs  specs.FS
	store  *jobstore.FS
	broker *events.Broker
	ctrl   *lifecycle.Controller
}

func newStack(ctx context.Context, cfg model.Config) (*stack, error) {
	repo := specs.NewFS(cfg.Workspace.Specs)
	broker := events.NewBroker()
	store, err := jobstore.NewFS(cfg.Workspace.Jobs, repo,
		jobstore.WithPageSize(cfg.Jobs.PageSize),
		jobstore.WithGuest(cfg.Jobs.Guest),
		jobstore.WithEvents(broker),
	)
	if err != nil {
		broker.Close()
		return nil, err
	}
	ctrl := lifecycle.New(ctx, store, runner.New(store, broker, cfg.Workspace.Wds),
		lifecycle.WithMaxConcurrent(cfg.Jobs.MaxConcurrent),
	)
	slog.DebugContext(ctx, "workspace ready",
		"specs", cfg.Workspace.Specs,
		"jobs", cfg.Workspace.Jobs,
		"wds", cfg.Workspace.Wds,
	)
	return &stack{specs: repo, store: store, broker: broker, ctrl: ctrl}, nil
}

// Close stops running jobs first, then the event streams, then the store.
func (s *stack) Close(ctx context.Context) {
	s.ctrl.Close()
	s.broker.Close()
	if err := s.store.Close(); err != nil {
		slog.ErrorContext(ctx, "closing job store has failed", "error", err)
	}
}
