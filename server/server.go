package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/internal/types"
	"github.com/xhad/ragchat/pkg/ingest"
	"github.com/xhad/ragchat/pkg/scraper"
)

// Ingester is the document side of the API.
type Ingester interface {
	Upload(ctx context.Context, files []models.FileUpload, opts ingest.UploadOptions) (*ingest.BatchSummary, error)
	Search(ctx context.Context, query string, k int, ownerID *int64) ([]models.ScoredChunk, error)
	Stats(ctx context.Context, ownerID *int64) ingest.Stats
	Clear(ctx context.Context, ownerID *int64) (int64, error)
}

type Deps struct {
	Chat   types.ChatStore
	Agent  types.Responder
	Ingest Ingester
	Log    zerolog.Logger
}

type Config struct {
	Addr           string
	APIPrefix      string
	CORSOrigins    []string
	// MaxUploadBytes caps the request body of a document upload.
	MaxUploadBytes int64
	Scraper        scraper.ScraperConfig
}

type Server struct {
	config Config
	deps   Deps
	log    zerolog.Logger
	engine *gin.Engine
}

func New(config Config, deps Deps) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}
	if config.MaxUploadBytes == 0 {
		config.MaxUploadBytes = 32 << 20
	}

	s := &Server{
		config: config,
		deps:   deps,
		log:    deps.Log.With().Str("component", "http").Logger(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	if len(s.config.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.config.CORSOrigins))
	}
	r.MaxMultipartMemory = s.config.MaxUploadBytes

	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group(s.config.APIPrefix)
	{
		api.POST("/users", s.createUser)
		api.GET("/users/:user_id", s.getUser)

		api.POST("/sessions", s.createSession)
		api.GET("/sessions/users/:user_id", s.listSessions)
		api.GET("/sessions/:session_id/messages", s.listMessages)

		api.POST("/messages", s.sendMessage)

		api.POST("/documents/upload", s.uploadDocuments)
		api.POST("/documents/search", s.searchDocuments)
		api.GET("/documents/stats", s.documentStats)
		api.DELETE("/documents/clear", s.clearDocuments)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.config.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
