// Package gateway implements the HTTP/websocket front door of spec.md
// §4.7 / §6, generalizing the teacher's transport layer
// (internal/transport/ws/server.go's net/http.ServeMux + Router +
// Hub) into the three-path dispatch this system needs: it upgrades
// browser subscribers and the host publisher onto the Fan-out Hub, and
// upgrades per-speaker conversation clients onto fresh
// session.ConversationSessions. Static assets and TLS termination stay
// out of this package's concern; everything other than the three
// /ws/* paths is handed to an operator-supplied http.Handler.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlance-gateway/gateway/internal/apperrors"
	"github.com/parlance-gateway/gateway/internal/config"
	"github.com/parlance-gateway/gateway/internal/events"
	"github.com/parlance-gateway/gateway/internal/fanout"
	"github.com/parlance-gateway/gateway/internal/protocol"
	"github.com/parlance-gateway/gateway/internal/session"
	"github.com/parlance-gateway/gateway/internal/stt"
	"github.com/parlance-gateway/gateway/internal/translator"
)

const (
	pingInterval     = 30 * time.Second
	defaultHandshake = 10 * time.Second
)

// Config parameterizes a Gateway. Fallback is consulted for any request
// path other than the three websocket routes; a nil Fallback answers
// those with 404, matching the teacher's bare ServeMux default.
type Config struct {
	Addr               string
	TLSCert            string
	TLSKey             string
	HandshakeTimeout   time.Duration
	BroadcastDirection translator.Direction
	Fallback           http.Handler
}

// broadcastController is the subset of *session.BroadcastSession that
// handleBrowser and handlePublisher need, so stop messages and publisher
// audio can be routed without coupling the Gateway's field type to the
// session package's concrete type.
type broadcastController interface {
	PushControl(protocol.ClientMessage)
	PushAudio([]byte)
}

// Gateway owns the Fan-out Hub singleton and the long-lived Broadcast
// Session, and dispatches every websocket upgrade to the right Session.
type Gateway struct {
	cfg      Config
	hub      *fanout.Hub
	deps     session.Dependencies
	sessCfg  config.SessionConfig
	bcastCfg config.BroadcastConfig

	// sttOptions negotiates a conversation client's recognizer options:
	// containerized audio (Opus/WebM) with no fixed encoding, so the STT
	// service auto-detects the container (SPEC_FULL.md §9).
	sttOptions func(direction translator.Direction) stt.Options
	// broadcastSTTOptions negotiates the publisher's recognizer options:
	// raw PCM16 little-endian at 16kHz, fixed per SPEC_FULL.md §9's
	// audio_bridge encoding decision.
	broadcastSTTOptions func(direction translator.Direction) stt.Options

	maxSessions int
	logger      *slog.Logger

	upgrader websocket.Upgrader

	sessionSlots chan struct{}

	mu              sync.Mutex
	publisher       bool
	activeBroadcast broadcastController

	httpSrv *http.Server
}

// New constructs a Gateway. It does nothing until Run is called.
func New(cfg Config, hub *fanout.Hub, deps session.Dependencies, sessCfg config.SessionConfig, bcastCfg config.BroadcastConfig, sttOptions, broadcastSTTOptions func(translator.Direction) stt.Options, maxSessions int, logger *slog.Logger) *Gateway {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}
	if cfg.BroadcastDirection == "" {
		cfg.BroadcastDirection = translator.DirectionCNtoEN
	}
	if maxSessions <= 0 {
		maxSessions = 32
	}
	return &Gateway{
		cfg:                 cfg,
		hub:                 hub,
		deps:                deps,
		sessCfg:             sessCfg,
		bcastCfg:            bcastCfg,
		sttOptions:          sttOptions,
		broadcastSTTOptions: broadcastSTTOptions,
		maxSessions:         maxSessions,
		logger:              logger,
		upgrader:            websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessionSlots:        make(chan struct{}, maxSessions),
	}
}

// Run starts the long-lived Broadcast Session and blocks serving HTTP
// until ctx is cancelled, then shuts both down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	bcastDeps := g.deps
	if g.broadcastSTTOptions != nil {
		bcastDeps.STTOptions = g.broadcastSTTOptions
	}
	broadcast := session.NewBroadcast("broadcast", g.cfg.BroadcastDirection, g.hub, bcastDeps, g.bcastCfg, g.logger.With("component", "broadcast"))
	g.mu.Lock()
	g.activeBroadcast = broadcast
	g.mu.Unlock()

	bctx, cancelBroadcast := context.WithCancel(ctx)
	broadcastDone := make(chan struct{})
	go func() {
		broadcast.Run(bctx)
		close(broadcastDone)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/browser", g.handleBrowser)
	mux.HandleFunc("/ws/publisher", g.handlePublisher)
	mux.HandleFunc("/ws/conversation", g.handleConversation)
	if g.cfg.Fallback != nil {
		mux.Handle("/", g.cfg.Fallback)
	}

	g.httpSrv = &http.Server{Addr: g.cfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.httpSrv.Shutdown(shutdownCtx)
	}()

	var err error
	if g.cfg.TLSCert != "" {
		err = g.httpSrv.ListenAndServeTLS(g.cfg.TLSCert, g.cfg.TLSKey)
	} else {
		err = g.httpSrv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		err = nil
	}

	cancelBroadcast()
	<-broadcastDone
	g.hub.CloseAll()
	return err
}

// handleBrowser upgrades a broadcast-subscriber connection: it relays
// Hub frames out to the client and the client's control messages
// (ping, volume, stop) in, per spec.md §6.
func (g *Gateway) handleBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("gateway: browser upgrade failed", "error", err)
		return
	}

	sub, err := g.hub.Subscribe(fanout.DropOldest)
	if err != nil {
		g.logger.Warn("gateway: browser subscribe refused", "error", err)
		_ = conn.WriteMessage(websocket.TextMessage, protocol.ErrorMessage(string(apperrors.KindBackpressured)))
		_ = conn.Close()
		return
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	var missedPongs atomic.Int32
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	// Every outbound write, whether a Hub frame or an ad-hoc reply like a
	// pong, funnels through this one goroutine: gorilla's Conn forbids
	// concurrent writers, so the ingress loop below never calls
	// conn.WriteMessage itself.
	outbound := make(chan []byte, 4)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case frame, ok := <-sub.Frames():
				if !ok {
					return
				}
				if err := conn.WriteMessage(int(frame.Type), frame.Data); err != nil {
					closeConn()
					return
				}
			case data, ok := <-outbound:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					closeConn()
					return
				}
			case <-pingTicker.C:
				n := missedPongs.Add(1)
				if n > 2 {
					g.logger.Warn("gateway: browser subscriber missed pongs, disconnecting", "subscriber", sub.ID())
					closeConn()
					return
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			g.logger.Debug("gateway: browser sent unrecognized message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.ClientPing:
			select {
			case outbound <- protocol.Pong():
			default:
			}
		case protocol.ClientStop:
			g.broadcastControl(msg)
		case protocol.ClientVolume:
			g.hub.PublishTextExcept(data, sub.ID())
		}
	}

	// Unsubscribing closes sub.Frames(), which wakes the writer goroutine
	// immediately instead of leaving it parked until the next ping tick.
	sub.Unsubscribe()
	closeConn()
	<-writeDone
}

// broadcastControl forwards a stop message to the live Broadcast Session
// that Run stores in activeBroadcast, so handleBrowser need not thread
// it through every handler signature.
func (g *Gateway) broadcastControl(msg protocol.ClientMessage) {
	g.mu.Lock()
	bc := g.activeBroadcast
	g.mu.Unlock()
	if bc != nil {
		bc.PushControl(msg)
	}
}

// handlePublisher upgrades the single host audio bridge connection: it
// forwards raw audio frames into the Broadcast Session and announces
// publisher connect/disconnect as Hub status broadcasts.
func (g *Gateway) handlePublisher(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.publisher {
		g.mu.Unlock()
		http.Error(w, "publisher already connected", http.StatusConflict)
		return
	}
	g.publisher = true
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("gateway: publisher upgrade failed", "error", err)
		g.mu.Lock()
		g.publisher = false
		g.mu.Unlock()
		return
	}
	defer conn.Close()

	defer func() {
		g.mu.Lock()
		g.publisher = false
		g.mu.Unlock()
		g.hub.PublishText(protocol.Status("publisher disconnected"))
	}()

	g.hub.PublishText(protocol.Status("publisher connected"))

	g.mu.Lock()
	bc := g.activeBroadcast
	g.mu.Unlock()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if bc != nil {
			bc.PushAudio(data)
		}
	}
}

// handleConversation upgrades a per-speaker conversation client bound
// to the direction named by the "mode" query parameter.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	direction := translator.Direction(mode)
	if direction != translator.DirectionCNtoEN && direction != translator.DirectionENtoCN {
		http.Error(w, "mode must be cn-en or en-cn", http.StatusBadRequest)
		return
	}

	select {
	case g.sessionSlots <- struct{}{}:
	default:
		http.Error(w, "too many concurrent conversation sessions", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-g.sessionSlots }()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("gateway: conversation upgrade failed", "error", err)
		return
	}

	deps := g.deps
	if g.sttOptions != nil {
		deps.STTOptions = g.sttOptions
	}

	id := uuid.NewString()
	logger := g.logger.With("component", "conversation", "session", id)
	sess := session.New(id, direction, conn, deps, g.sessCfg, logger)

	if deps.Events != nil {
		deps.Events.Publish(events.TopicSessionStarted, id)
	}
	sess.Run(r.Context())
}
