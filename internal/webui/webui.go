// Package webui serves the bank status and operator controls over HTTP.
package webui

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/battery-parallelator/internal/datalog"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 1 << 12
	defaultLogLimit = 100
	shutdownWait    = 5 * time.Second
)

// Bank is the part of the supervisor the web surface may use.
type Bank interface {
	Snapshot() bank.Snapshot
	Reset(packID int) error
}

// LogSource is the pack history, nil when logging is disabled.
type LogSource interface {
	List(ctx context.Context, pack int, limit int) ([]datalog.Row, error)
}

type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	bank         Bank
	logs         LogSource
	log          *logging.Logger
	pushInterval time.Duration
	router       *gin.Engine
}

func New(b Bank, logs LogSource, log *logging.Logger, pushInterval time.Duration) *Server {
	if log == nil {
		log = logging.NewLogger("info")
	}
	if pushInterval <= 0 {
		pushInterval = time.Second
	}
	s := &Server{
		bank:         b,
		logs:         logs,
		log:          log,
		pushInterval: pushInterval,
	}
	s.router = s.initRoutes()
	return s
}

func (s *Server) initRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/packs/:id/reset", s.resetPack)
		api.GET("/log", s.getLog)
		api.GET("/log.csv", s.getLogCSV)
	}
	router.GET("/ws", s.wsConnect)
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	s.log.Infof("Web interface listening on %s", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bank.Snapshot())
}

func (s *Server) resetPack(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pack id"})
		return
	}
	if err := s.bank.Reset(id); err != nil {
		if errors.Is(err, bank.ErrUnknownPack) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Infof("Pack %d reset from %s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"reset": id})
}

// logQuery reads ?pack= and ?limit=. A missing pack selects every pack.
func logQuery(c *gin.Context) (pack int, limit int, err error) {
	pack, limit = -1, defaultLogLimit
	if p := c.Query("pack"); p != "" {
		if pack, err = strconv.Atoi(p); err != nil || pack < 0 {
			return 0, 0, errors.New("invalid pack")
		}
	}
	if l := c.Query("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	return pack, limit, nil
}

func (s *Server) listLog(c *gin.Context) ([]datalog.Row, bool) {
	if s.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "logging disabled"})
		return nil, false
	}
	pack, limit, err := logQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	rows, err := s.logs.List(c.Request.Context(), pack, limit)
	if err != nil {
		s.log.Errorf("Failed to list log: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read log"})
		return nil, false
	}
	return rows, true
}

func (s *Server) getLog(c *gin.Context) {
	rows, ok := s.listLog(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getLogCSV(c *gin.Context) {
	rows, ok := s.listLog(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="pack_log.csv"`)
	c.Status(http.StatusOK)
	if err := datalog.WriteCSV(c.Writer, rows); err != nil {
		s.log.Errorf("Failed to write CSV: %v", err)
	}
}

func (s *Server) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.startReader(conn, done)

	ticker := time.NewTicker(s.pushInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	if err := s.sendStatus(conn); err != nil {
		s.log.Debugf("Websocket write failed: %v", err)
		return
	}
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.sendStatus(conn); err != nil {
				s.log.Debugf("Websocket write failed: %v", err)
				return
			}
		}
	}
}

func (s *Server) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) sendStatus(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "status", Data: s.bank.Snapshot()})
}
