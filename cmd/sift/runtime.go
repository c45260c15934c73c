package main

import (
	"context"
	"fmt"
	"log"

	"github.com/fentz26/sift/internal/audit"
	"github.com/fentz26/sift/internal/checkpoint"
	"github.com/fentz26/sift/internal/config"
	"github.com/fentz26/sift/internal/connectors/anthropic"
	"github.com/fentz26/sift/internal/connectors/tavily"
	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/researcher"
	"github.com/fentz26/sift/internal/scheduler"
)

// pdrStore is a checkpoint store that also keeps the audit trail.
type pdrStore interface {
	checkpoint.Store
	audit.Sink
}

// engine is the wired research stack shared by daemon, research and mcp.
type engine struct {
	cfg      *config.Config
	store    pdrStore
	reasoner *anthropic.Client
	pubsub   *progress.PubSub
	service  *controlplane.Service
}

// newEngine opens the store and connectors described by cfg. sink receives
// progress in addition to the Pub/Sub topic, when one is configured.
func newEngine(ctx context.Context, cfg *config.Config, sink progress.Sink) (*engine, error) {
	e := &engine{cfg: cfg}

	var err error
	if e.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	e.reasoner, err = anthropic.New(ctx, anthropic.Config{
		Model:      cfg.Anthropic.Model,
		APIKey:     cfg.Anthropic.APIKey,
		UseBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:  cfg.Anthropic.AWSRegion,
		AWSProfile: cfg.Anthropic.AWSProfile,
		BaseURL:    cfg.Anthropic.BaseURL,
		MaxRetries: cfg.Anthropic.MaxRetries,
		MaxTokens:  cfg.Anthropic.MaxTokens,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("init reasoner: %w", err)
	}

	searcher, err := tavily.New(tavily.Config{
		APIKey:     cfg.Search.APIKey,
		Depth:      cfg.Search.Depth,
		MaxResults: cfg.Search.MaxResults,
		Endpoint:   cfg.Search.Endpoint,
		Timeout:    cfg.Search.Timeout,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("init search: %w", err)
	}

	sinks := progress.Fanout{sink}
	if cfg.Progress.Topic != "" {
		e.pubsub, err = progress.NewPubSub(ctx, cfg.Progress.ProjectID, cfg.Progress.Topic)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("init progress topic: %w", err)
		}
		sinks = append(sinks, e.pubsub)
		log.Printf("Publishing progress to %s/%s", cfg.Progress.ProjectID, cfg.Progress.Topic)
	}

	worker := researcher.New(e.reasoner, searcher, researcher.Options{
		MaxRounds:  cfg.Worker.MaxRounds,
		FetchLimit: cfg.Worker.FetchLimit,
	})

	e.service = controlplane.NewService(scheduler.Deps{
		Reasoner: e.reasoner,
		Worker:   worker,
		Store:    e.store,
		Progress: sinks,
		Audit:    audit.NewPDRWriter(e.store),
	}, cfg.Research)
	return e, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (pdrStore, error) {
	switch cfg.Backend {
	case "firestore":
		st, err := checkpoint.NewFirestore(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		log.Printf("Checkpoints stored in Firestore project %s", cfg.ProjectID)
		return st, nil
	default:
		st, err := checkpoint.NewSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint db: %w", err)
		}
		log.Printf("Checkpoints stored in %s", cfg.Path)
		return st, nil
	}
}

// Shutdown waits up to ctx for running sessions, then releases connections.
func (e *engine) Shutdown(ctx context.Context) {
	if e.service != nil {
		e.service.Close(ctx)
	}
	e.Close()
}

// Close releases connections without waiting for sessions.
func (e *engine) Close() {
	if e.reasoner != nil {
		in, out, calls := e.reasoner.Usage()
		if calls > 0 {
			log.Printf("Reasoner usage: %d calls, %d input tokens, %d output tokens", calls, in, out)
		}
	}
	if e.pubsub != nil {
		if err := e.pubsub.Close(); err != nil {
			log.Printf("Progress topic close error: %v", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("Checkpoint store close error: %v", err)
		}
	}
}
