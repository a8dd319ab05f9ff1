package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/services"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *logrus.Logger
	api    *API
}

func NewServer(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	api, err := buildAPI(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(log))
	engine.Use(MaxBodySize(cfg.MaxUploadBytes))
	engine.Use(CORS())

	registerRoutes(engine, api)

	return &Server{engine: engine, cfg: cfg, log: log, api: api}, nil
}

// buildAPI wires storage, the AI client and the pipeline. Jobs run on a
// worker pool when async jobs are enabled.
func buildAPI(ctx context.Context, cfg config.Config, log *logrus.Logger) (*API, error) {
	local, err := storage.NewLocalFiles(cfg.DataDir, cfg.StorageFallbackDirs, cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("init local files: %w", err)
	}

	var files storage.FileStore = local
	var closers []func() error
	if cfg.GCSBucket != "" {
		gcs, err := storage.NewGCSFiles(ctx, cfg.GCSBucket, cfg.MaxUploadBytes)
		if err != nil {
			return nil, fmt.Errorf("init gcs files: %w", err)
		}
		files = gcs
		closers = append(closers, gcs.Close)
		log.WithField("bucket", cfg.GCSBucket).Info("storing documents in gcs")
	}

	store, err := storage.NewStore(cfg.DatabasePath)
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, fmt.Errorf("init store: %w", err)
	}
	closers = append(closers, store.Close)

	openaiSvc := services.NewOpenAIService(cfg, log)
	ingestor := services.NewIngestor(store, files, openaiSvc, log)
	ledger := services.NewLedger(store, cfg.CoinGatingEnabled, log)

	var pool *services.WorkerPool
	deps := services.PipelineDeps{
		Documents: store,
		Jobs:      services.NewJobTracker(store),
		Ingestor:  ingestor,
		Generator: openaiSvc,
		Applier:   services.NewApplier(store),
		Ledger:    ledger,
	}
	if cfg.AsyncJobs {
		pool = services.NewWorkerPool(cfg.WorkerCount, cfg.QueueSize, log)
		deps.Pool = pool
	}
	pipeline := services.NewPipeline(cfg, deps, log)

	// Jobs left queued or running by a previous process can never finish.
	recovered, err := pipeline.RecoverInterrupted(ctx)
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		log.WithField("jobs", recovered).Warn("failed jobs interrupted by a previous shutdown")
	}
	if pool != nil {
		pool.Start()
	}

	if !cfg.AIConfigured() {
		log.Warn("OPENAI_API_KEY not set, generation requests will be rejected")
	}

	return &API{
		cfg:       cfg,
		log:       log,
		store:     store,
		local:     local,
		materials: services.NewMaterials(cfg, store, files, ledger, log),
		pipeline:  pipeline,
		ingestor:  ingestor,
		ledger:    ledger,
		openai:    openaiSvc,
		pdf:       services.NewPDFService(),
		share:     services.NewShareService(cfg),
		pool:      pool,
		closers:   closers,
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// queued jobs.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.api.close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.api.close(shutdownCtx)
	return err
}
