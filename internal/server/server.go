package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Cademic/TableWorks-sub002/internal/access"
	"github.com/Cademic/TableWorks-sub002/internal/hub"
	"github.com/Cademic/TableWorks-sub002/internal/notify"
	"github.com/Cademic/TableWorks-sub002/internal/server/middleware"
	"github.com/Cademic/TableWorks-sub002/pkg/config"
	"github.com/Cademic/TableWorks-sub002/pkg/transport"
)

type App struct {
	logger    *slog.Logger
	boards    *hub.Hub
	notebooks *hub.Hub
	notifier  *notify.Notifier
	wg        sync.WaitGroup
	http      *http.Server
	config    *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, db *sql.DB) *App {
	directory := access.NewUserDirectory(db)
	boards := hub.New(hub.KindBoard, access.NewBoardGate(db), directory, logger)
	notebooks := hub.New(hub.KindNotebook, access.NewNotebookGate(db), directory, logger)

	app := &App{
		logger:    logger,
		boards:    boards,
		notebooks: notebooks,
		notifier:  notify.New(boards, notebooks, logger),
		config:    cfg,
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/board", app.wsRoute(boards))
	mux.Handle("/ws/notebook", app.wsRoute(notebooks))
	mux.Handle("/internal/notify", notify.NewHTTPHandler(app.notifier, cfg.Server.Auth.ServiceToken, logger))

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Notifier is the in-process entry point for CRUD services that live in the
// same binary or link this package directly.
func (a *App) Notifier() *notify.Notifier {
	return a.notifier
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// wsRoute builds the middleware chain and upgrade handler for one hub.
func (a *App) wsRoute(h *hub.Hub) http.Handler {
	upgrade := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.upgradeHandler(h, w, r)
	})
	// Auth runs before the limiter so per-user counts see a resolved identity.
	return middleware.Chain(upgrade,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret),
		middleware.NewConnectionLimiter(
			a.logger,
			h.UserConnectionCount,
			h.CycleOldestUserConnection,
			a.config.Server.ConnectionLimit,
		),
	)
}

func (a *App) upgradeHandler(h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
		slog.String("hub", h.Kind()),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)

	h.Connect(r.Context(), conn, reqMeta.UserID)
	conn.SetOnMessage(h.HandleMessage)
	conn.SetOnClose(h.HandleClose)

	connLogger.Info("Connection established")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	reason := errors.New("graceful shutdown")
	a.boards.CloseAllConnections(reason)
	a.notebooks.CloseAllConnections(reason)

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
