package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/events"
	"github.com/soundbet/bookstream/internal/health"
	"github.com/soundbet/bookstream/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Config holds relay server settings.
type Config struct {
	Addr        string
	Mode        string // gin mode: debug, release or test
	EnablePprof bool
}

// Server exposes the active session to UI clients over HTTP and WebSocket.
// Market selection and trade notifications received from clients are
// published on the bus; the stream manager reacts to them.
type Server struct {
	cfg     Config
	manager *stream.Manager
	monitor *health.Monitor
	bus     *events.Bus
	log     logrus.FieldLogger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	feed     <-chan events.Event

	mu      sync.Mutex
	clients map[*client]struct{}
}

// inboundMessage is a client request received over the WebSocket.
type inboundMessage struct {
	Type     string `json:"type"`
	MarketID string `json:"marketId"`
	Side1    string `json:"side1"`
	Side2    string `json:"side2"`
	Side     string `json:"side"`
}

// outboundMessage wraps everything pushed to clients.
type outboundMessage struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer builds the gin engine and subscribes to session state. monitor
// may be nil.
func NewServer(cfg Config, manager *stream.Manager, monitor *health.Monitor, bus *events.Bus, log logrus.FieldLogger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		monitor: monitor,
		bus:     bus,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		feed:    bus.Subscribe(events.TopicSessionState),
		clients: make(map[*client]struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	if cfg.EnablePprof {
		pprof.Register(r)
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/api/state", s.getState)
	r.GET("/api/health", s.getHealth)
	r.POST("/api/select", s.postSelect)
	r.POST("/api/trade-success", s.postTradeSuccess)
	r.GET("/ws", s.serveWS)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves HTTP on cfg.Addr and pushes state to clients until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go s.Pump(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("relay: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	}
}

// Pump forwards session state events to connected clients until ctx is
// cancelled. States from sessions other than the active one are dropped.
func (s *Server) Pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.feed:
			if !ok {
				return
			}
			st, ok := ev.Payload.(stream.State)
			if !ok || !s.isCurrent(st) {
				continue
			}
			s.broadcast(outboundMessage{Type: "state", Data: viewOf(st, s.monitor)})
		}
	}
}

func (s *Server) isCurrent(st stream.State) bool {
	cur := s.manager.Current()
	if cur == nil {
		return false
	}
	return cur.Identity() == stream.Identity{MarketID: st.MarketID, Side1: st.Side1, Side2: st.Side2}
}

func (s *Server) currentView() StateView {
	if cur := s.manager.Current(); cur != nil {
		return viewOf(cur.State(), s.monitor)
	}
	return viewOf(stream.State{Status: stream.StatusIdle}, s.monitor)
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentView())
}

func (s *Server) getHealth(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, []health.Report{})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Reports())
}

func (s *Server) postSelect(c *gin.Context) {
	var req inboundMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.selectMarket(req)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) postTradeSuccess(c *gin.Context) {
	var req inboundMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.tradeSuccess(req)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) selectMarket(req inboundMessage) {
	s.bus.Publish(events.Event{
		Topic:    events.TopicMarketSelected,
		MarketID: req.MarketID,
		Payload:  events.MarketSelected{MarketID: req.MarketID, Side1: req.Side1, Side2: req.Side2},
	})
}

func (s *Server) tradeSuccess(req inboundMessage) {
	s.bus.Publish(events.Event{
		Topic:    events.TopicTradeSuccess,
		MarketID: req.MarketID,
		Payload:  events.TradeSuccess{MarketID: req.MarketID, Side: req.Side},
	})
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("relay: upgrade failed")
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	s.sendTo(cl, outboundMessage{Type: "state", Data: s.currentView()})

	go s.writeLoop(cl)
	s.readLoop(cl)
}

func (s *Server) readLoop(cl *client) {
	defer s.unregister(cl)

	cl.conn.SetReadLimit(64 * 1024)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("relay: client read error")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendTo(cl, outboundMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "select":
			s.selectMarket(msg)
		case "trade_success":
			s.tradeSuccess(msg)
		default:
			s.sendTo(cl, outboundMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *Server) writeLoop(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcast(msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).Error("relay: marshal state")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		select {
		case cl.send <- data:
		default:
			// Slow client: skip this frame, the next state supersedes it.
		}
	}
}

func (s *Server) sendTo(cl *client, msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl]; !ok {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.send)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		delete(s.clients, cl)
		close(cl.send)
	}
}

// requestLogger logs each request through logrus.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("relay: request")
	}
}
