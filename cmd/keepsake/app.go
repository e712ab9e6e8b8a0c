package main

import (
	"fmt"

	"github.com/keepsake-ai/keepsake/internal/composer"
	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/engine"
	"github.com/keepsake-ai/keepsake/internal/extraction"
	"github.com/keepsake-ai/keepsake/internal/intent"
	"github.com/keepsake-ai/keepsake/internal/lifecycle"
	"github.com/keepsake-ai/keepsake/internal/reranking"
	"github.com/keepsake-ai/keepsake/internal/retrieval"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/vector"
)

// app bundles the wired components behind one open/close pair.
type app struct {
	cfg      config.Config
	store    *storage.Store
	vectors  *vector.SQLiteStore
	client   *engine.Client
	parser   *intent.Parser
	index    *vector.Index
	searcher *retrieval.Searcher
	builder  *composer.Builder
	enricher *lifecycle.Enricher
	session  *lifecycle.Session
	manager  *lifecycle.Manager
}

// openApp wires the full stack for the current identity. needEngine
// guards commands that talk to the LLM backend; maintenance commands
// run without an API key.
func openApp(needEngine bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if needEngine && cfg.Engine.APIKey == "" {
		return nil, fmt.Errorf("missing API key: set engine.api_key in the config file or the KEEPSAKE_API_KEY environment variable")
	}

	store, err := storage.Open(cfg.Storage.DataDir, flagIdentity)
	if err != nil {
		return nil, fmt.Errorf("opening episode store: %w", err)
	}

	vectors, err := vector.OpenSQLite(cfg.Storage.DataDir, flagIdentity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	client := engine.New(cfg.Engine.BaseURL, cfg.Engine.APIKey)
	parser := intent.NewParser(client, cfg.Engine.ChatModel)
	index := vector.NewIndex(vector.NewEmbedder(client, cfg.Engine.EmbedModel), vectors)
	reranker := reranking.NewReranker(client, cfg.Engine.ChatModel, cfg.Retrieval.RerankEnabled, 0)
	searcher := retrieval.NewSearcher(store, index, parser, reranker)
	builder := composer.NewBuilder(searcher, parser, composer.DefaultThresholds())
	extractor := extraction.NewExtractor(client, cfg.Engine.ChatModel)
	enricher := lifecycle.NewEnricher(store, index, extractor, 0)

	return &app{
		cfg:      cfg,
		store:    store,
		vectors:  vectors,
		client:   client,
		parser:   parser,
		index:    index,
		searcher: searcher,
		builder:  builder,
		enricher: enricher,
		session:  lifecycle.NewSession(store, enricher),
		manager:  lifecycle.NewManager(store, index, extractor),
	}, nil
}

// close drains the enrichment queue before releasing the stores.
func (a *app) close() {
	a.enricher.Close()
	a.vectors.Close()
	a.store.Close()
}
