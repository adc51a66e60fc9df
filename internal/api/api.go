// Package api provides HTTP handlers and the main API server logic for
// StudyPipe.
//
// It exposes RESTful endpoints for enrolling participants, posing scripted
// questions, and exporting answer and transcript histories. The API
// integrates with the messaging, conversation, stage, scheduler and store
// modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/StudyPipe/StudyPipe/internal/conversation"
	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/logchain"
	"github.com/StudyPipe/StudyPipe/internal/messaging"
	"github.com/StudyPipe/StudyPipe/internal/scheduler"
	"github.com/StudyPipe/StudyPipe/internal/stage"
	"github.com/StudyPipe/StudyPipe/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server wires the HTTP surface over the core modules.
type Server struct {
	store      store.Store
	cfg        *experiment.Config
	engine     *conversation.Engine
	stages     *stage.Machine
	chain      *logchain.Chain
	msgService messaging.Service
	router     *messaging.Router
	sched      *scheduler.Scheduler
	twilioSvc  *messaging.TwilioService

	httpServer *http.Server
}

// NewServer creates an API server over the given collaborators. twilioSvc may
// be nil when the Twilio webhook is not exposed.
func NewServer(st store.Store, cfg *experiment.Config, engine *conversation.Engine,
	stages *stage.Machine, chain *logchain.Chain, msgService messaging.Service,
	router *messaging.Router, sched *scheduler.Scheduler,
	twilioSvc *messaging.TwilioService, opts ...Option) *Server {

	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}

	s := &Server{
		store:      st,
		cfg:        cfg,
		engine:     engine,
		stages:     stages,
		chain:      chain,
		msgService: msgService,
		router:     router,
		sched:      sched,
		twilioSvc:  twilioSvc,
	}
	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /participants", s.enrollHandler)
	mux.HandleFunc("GET /participants", s.listParticipantsHandler)
	mux.HandleFunc("GET /participants/{id}", s.getParticipantHandler)
	mux.HandleFunc("DELETE /participants/{id}", s.deleteParticipantHandler)
	mux.HandleFunc("POST /participants/{id}/prompt", s.promptHandler)
	mux.HandleFunc("GET /participants/{id}/answers", s.answersHandler)
	mux.HandleFunc("GET /participants/{id}/transcripts", s.transcriptsHandler)
	mux.HandleFunc("GET /experiments/{experimentId}/answers", s.experimentAnswersHandler)

	if s.twilioSvc != nil {
		mux.HandleFunc("POST /twilio/webhook", s.twilioSvc.TwilioWebhookHandler)
	}

	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("StudyPipe API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
