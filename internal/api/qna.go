package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-qna/internal/config"
	"github.com/npezzotti/go-qna/internal/database"
	"github.com/npezzotti/go-qna/internal/ratelimit"
	"github.com/npezzotti/go-qna/internal/server"
	"go.uber.org/zap"
)

type QnAApp struct {
	log            *zap.Logger
	db             database.QnARepository
	emitter        *server.Emitter
	live           *server.LiveServer
	limiter        *ratelimit.Limiter
	mux            *http.Server
	signingKey     []byte
	adminTokenHash string
	allowedOrigins []string
	creationLimit  int
	reactionLimit  int
	reactionWindow time.Duration
}

func NewQnAApp(mux *http.ServeMux, logger *zap.Logger, db database.QnARepository, emitter *server.Emitter,
	live *server.LiveServer, limiter *ratelimit.Limiter, cfg *config.Config) (*QnAApp, error) {
	adminTokenHash, err := hashAdminToken(cfg.AdminToken)
	if err != nil {
		return nil, fmt.Errorf("hash admin token: %w", err)
	}

	s := &QnAApp{
		log:            logger.Named("api"),
		db:             db,
		emitter:        emitter,
		live:           live,
		limiter:        limiter,
		signingKey:     cfg.SigningKey,
		adminTokenHash: adminTokenHash,
		allowedOrigins: cfg.AllowedOrigins,
		creationLimit:  cfg.CreationLimit,
		reactionLimit:  cfg.RateLimit.ReactionLimit,
		reactionWindow: cfg.RateLimit.ReactionWindow,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/v1/users", s.createUser)
	mux.HandleFunc("POST /api/v1/events", s.adminMiddleware(s.createEvent))
	mux.HandleFunc("POST /api/v1/events/{uid}/questions/import", s.adminMiddleware(s.importQuestions))
	mux.HandleFunc("GET /api/v1/events/{uid}", s.getEvent)
	mux.HandleFunc("GET /api/v1/events/{uid}/votes", s.authMiddleware(s.getVotes))
	mux.HandleFunc("POST /api/v1/events/{uid}/questions", s.authMiddleware(s.rateLimit(s.createQuestion)))
	mux.HandleFunc("POST /api/v1/events/{uid}/react", s.authMiddleware(s.rateLimit(s.react)))
	mux.HandleFunc("POST /api/v1/questions/{id}/votes", s.authMiddleware(s.rateLimit(s.castVote)))
	mux.HandleFunc("DELETE /api/v1/questions/{id}/votes", s.authMiddleware(s.rateLimit(s.retractVote)))
	mux.HandleFunc("GET /api/v1/events/{uid}/live", s.serveLive)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.ExposedHeaders([]string{"Retry-After"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *QnAApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *QnAApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.mux.Addr))
	return s.mux.ListenAndServe()
}

func (s *QnAApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
