package cli

import (
	"context"
	"fmt"
	"log/slog"

	"docfinder/internal/auth"
	"docfinder/internal/config"
	"docfinder/internal/extract"
	"docfinder/internal/logging"
	"docfinder/internal/provider"
	"docfinder/internal/queue"
	"docfinder/internal/redis"
	"docfinder/internal/service/documents"
	"docfinder/internal/service/indexing"
	"docfinder/internal/service/search"
	"docfinder/internal/storage"
	"docfinder/internal/worker"
)

// store is the minimum every command needs: config, logger and a migrated
// database.
type store struct {
	cfg   *config.Config
	log   *slog.Logger
	db    *storage.DB
	cache *redis.Client
}

func openStore() (*store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	db, err := storage.Open(cfg.BasicConfig.Database, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, cfg.Models.Embedding.Dimensions); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	s := &store{cfg: cfg, log: logger, db: db}
	if cfg.Redis.Enabled {
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			logger.Warn("redis unavailable; continuing without cache and pub/sub", "error", err)
		} else {
			s.cache = client
		}
	}
	return s, nil
}

func (s *store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
	s.db.Close()
}

func (s *store) newQueue(notifier queue.Notifier) *queue.Queue {
	q := s.cfg.Queue
	return queue.New(s.db, queue.Options{
		MaxAttempts:        q.MaxAttempts,
		RetryDelay:         q.RetryDelay.Duration,
		ExponentialBackoff: q.ExponentialBackoff,
		MaxRetryDelay:      q.MaxRetryDelay.Duration,
		Notifier:           notifier,
		Logger:             s.log,
	})
}

// app is the fully wired service used by serve and worker.
type app struct {
	*store
	docs     *documents.Service
	queue    *queue.Queue
	wake     *worker.Signal
	notifier *worker.RedisNotifier
	pipeline *indexing.Pipeline
	engine   *search.Engine
	auth     *auth.Service
}

func newApp(ctx context.Context) (*app, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, s *store) (*app, error) {
	cfg := s.cfg
	models, err := provider.Build(ctx, cfg, s.log)
	if err != nil {
		return nil, err
	}
	extractor, err := extract.New(ctx, extract.NewVisionOCR(models.Vision), s.log)
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	a := &app{store: s, wake: worker.NewSignal()}
	var notifier queue.Notifier = a.wake
	if s.cache != nil {
		a.notifier = worker.NewRedisNotifier(s.cache, a.wake, s.log)
		notifier = a.notifier
	}
	a.queue = s.newQueue(notifier)
	a.docs = documents.NewService(s.db)
	a.auth = auth.NewService(s.db, s.cache)
	a.auth.SetLogger(s.log)

	tagger := indexing.NewTagger(models.Chat, s.log)
	a.pipeline = indexing.NewPipeline(a.docs, extractor, models.Embedder, tagger, s.log)

	deps := search.Deps{
		Store:     a.docs,
		Parser:    search.NewUnderstanding(models.Chat, 0, s.log),
		Retriever: search.NewRetriever(a.docs, provider.NewCachedEmbedder(models.Embedder, cfg.Models.Embedding.CacheSize), cfg.Search.CandidateLimit, s.log),
	}
	if cfg.Models.Rerank.Enabled {
		if p, ok := cfg.Provider(cfg.Models.Rerank.ModelRef); ok {
			deps.Reranker = search.NewHTTPReranker(p, cfg.Models.Timeout.Duration)
		}
	}
	if cfg.Search.AnswerExtract {
		deps.Answers = search.NewLLMAnswerExtractor(models.Chat, s.log)
	}
	if s.cache != nil {
		deps.Recent = s.cache
	}
	a.engine = search.NewEngine(deps, search.Options{
		ResultLimit: cfg.Search.ResultLimit,
		Timeout:     cfg.BasicConfig.RequestTimeout.Duration,
		RecentTTL:   cfg.Search.RecentTTL.Duration,
	}, s.log)
	return a, nil
}

func (a *app) runner() *worker.Runner {
	q := a.cfg.Queue
	return worker.NewRunner(a.queue, a.pipeline, worker.Options{
		Concurrency:  q.Workers,
		PollInterval: q.PollInterval.Duration,
		JobTimeout:   q.JobTimeout.Duration,
		Wake:         a.wake.C(),
		Logger:       a.log,
	})
}

func (a *app) reaper() *worker.Reaper {
	q := a.cfg.Queue
	return worker.NewReaper(a.queue, worker.ReaperOptions{
		Interval:       q.ReapInterval.Duration,
		StaleAfter:     q.StaleAfter.Duration,
		PurgeAfterDays: q.PurgeAfterDays,
		Logger:         a.log,
	})
}

// listen relays cross-process wake-ups when redis is configured.
func (a *app) listen(ctx context.Context) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Listen(ctx); err != nil {
		a.log.Warn("job wake-up subscription failed; polling only", "error", err)
	}
}
