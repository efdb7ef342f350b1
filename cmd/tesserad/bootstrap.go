package main

import (
	"log/slog"

	"tessera/internal/config"
	"tessera/internal/daemon"
	"tessera/internal/identifier"
	"tessera/internal/jobs"
	"tessera/internal/notifications"
	"tessera/internal/orchestrator"
	"tessera/internal/services/derivative"
	"tessera/internal/webhook"
)

// bootstrap builds the component graph in dependency order.
func bootstrap(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	store, err := jobs.Open(cfg)
	if err != nil {
		return nil, err
	}

	codec, err := identifier.NewCodec(cfg.Identifier.Secret)
	if err != nil {
		store.Close()
		return nil, err
	}

	gateway, err := derivative.NewClient(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	machine := jobs.NewStateMachine(store, logger, cfg.Workflow.StrictInvariants)
	notifier := notifications.NewService(cfg, logger)
	orch := orchestrator.New(cfg, store, machine, gateway, notifier, logger)
	ingestor := webhook.NewIngestor(cfg, store, machine, logger)

	return daemon.New(cfg, store, orch, ingestor, codec, logger), nil
}
