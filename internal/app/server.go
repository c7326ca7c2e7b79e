// Package app wires the daemon: connection pool, engine, HTTP/WS surface,
// the change-feed listener, and the prepared-transaction sweeper.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/internal/api"
	"github.com/tviewdb/pgtview/internal/wal"
	"github.com/tviewdb/pgtview/pkg/config"
	"github.com/tviewdb/pgtview/pkg/engine"
)

const sweepInterval = time.Hour

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	pool       *pgxpool.Pool
	eng        *engine.Engine
	hub        *api.Hub
	httpServer *http.Server
}

func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	eng := engine.New(pool, cfg, log)
	hub := api.NewHub(log)
	eng.SetBroadcast(hub.Broadcast)

	handler := api.SetupRoutes(&api.Handler{Eng: eng, Hub: hub, Log: log})
	return &Server{
		cfg:  cfg,
		log:  log,
		pool: pool,
		eng:  eng,
		hub:  hub,
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: handler,
		},
	}, nil
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	if s.cfg.WALAddr != "" {
		go s.listenChanges(ctx)
	}
	go s.sweepPrepared(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	s.log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.pool.Close()
	return err
}

// listenChanges consumes JSON change events from the logical-decoding
// sidecar and replays them through the engine. The connection is retried
// with a flat backoff; the daemon works without the feed, just staler.
func (s *Server) listenChanges(ctx context.Context) {
	consumer := &wal.Consumer{Eng: s.eng, Log: s.log}

	for ctx.Err() == nil {
		conn, err := net.Dial("tcp", s.cfg.WALAddr)
		if err != nil {
			s.log.Warn("change feed unavailable, retrying",
				zap.String("addr", s.cfg.WALAddr),
				zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		s.log.Info("change feed connected", zap.String("addr", s.cfg.WALAddr))

		dec := json.NewDecoder(conn)
		for {
			var msg json.RawMessage
			if err := dec.Decode(&msg); err != nil {
				if !errors.Is(err, io.EOF) {
					s.log.Warn("change feed decode error", zap.Error(err))
				}
				break
			}
			consumer.OnMessage(ctx, msg)
		}
		conn.Close()
	}
}

// sweepPrepared periodically discards expired persisted 2PC queues.
func (s *Server) sweepPrepared(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.eng.RecoverPrepared(ctx); err != nil {
				s.log.Warn("prepared-queue sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
