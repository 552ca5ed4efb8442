package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/mempool"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
)

// Custom errors for the gateway.
var (
	ErrInvalidGatewayConfig = errors.New("invalid gateway configuration")
	ErrNotConnected         = errors.New("no peers connected")
)

// Seed dial backoff bounds.
const (
	dialTimeout = 30 * time.Second
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
	writeWait   = 10 * time.Second
)

// Deliverer receives inbound consensus traffic as decoded from the socket;
// signature and admission checks happen on the receiving side. The replica
// supplies this capability; the gateway never imports the consensus package.
type Deliverer interface {
	Deliver(ctx context.Context, m *core.ConsensusMessage) error
}

// Pinger reports KV liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// BlockSink accepts standalone block proposals shipped alongside
// PRE-PREPAREs so the body is locally available when the round opens.
type BlockSink interface {
	SavePendingBlock(ctx context.Context, b *core.Block) error
}

// Gateway is the node's network surface: a WebSocket mesh carrying JSON
// consensus traffic between validator peers, plus the HTTP endpoints for
// transaction submission, health and metrics.
type Gateway struct {
	mu    sync.RWMutex
	peers map[*websocket.Conn]string

	port     int
	seeds    []string
	deliver  Deliverer
	blocks   BlockSink
	pool     *mempool.Pool
	kv       Pinger
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	server   *http.Server

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Config for the gateway.
type Config struct {
	Port    int
	Seeds   []string
	Blocks  BlockSink
	Pool    *mempool.Pool
	KV      Pinger
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

// Envelope is the wire frame between peers: consensus messages and block
// proposals share the socket.
type Envelope struct {
	Kind    string               `json:"kind"`
	Message *core.ConsensusMessage `json:"message,omitempty"`
	Block   *core.Block            `json:"block,omitempty"`
}

// Envelope kinds.
const (
	KindConsensus = "consensus"
	KindProposal  = "proposal"
)

// New creates the gateway. The deliverer is attached afterwards with
// SetDeliverer, which breaks the construction cycle with the replica.
func New(cfg Config) (*Gateway, error) {
	if cfg.Pool == nil || cfg.KV == nil || cfg.Blocks == nil {
		return nil, fmt.Errorf("%w: pool, kv and block sink must be provided", ErrInvalidGatewayConfig)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger must be provided", ErrInvalidGatewayConfig)
	}
	return &Gateway{
		peers:   make(map[*websocket.Conn]string),
		port:    cfg.Port,
		seeds:   cfg.Seeds,
		blocks:  cfg.Blocks,
		pool:    cfg.Pool,
		kv:      cfg.KV,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// SetDeliverer attaches the inbound consensus sink. Must be called before
// Run.
func (g *Gateway) SetDeliverer(d Deliverer) { g.deliver = d }

// Broadcast ships a consensus message to every connected peer. Individual
// peer failures are logged and skipped; the message still reaches the rest.
func (g *Gateway) Broadcast(m *core.ConsensusMessage) error {
	return g.send(&Envelope{Kind: KindConsensus, Message: m})
}

// BroadcastProposal ships a forged block body ahead of its PRE-PREPARE.
func (g *Gateway) BroadcastProposal(b *core.Block) error {
	return g.send(&Envelope{Kind: KindProposal, Block: b})
}

func (g *Gateway) send(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	g.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(g.peers))
	for c := range g.peers {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
			g.logger.Warnw("peer write failed, dropping peer", "err", err)
			g.removePeer(c)
		}
	}
	return nil
}

// Run serves the HTTP surface and dials the seed peers until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/transactions", g.handleSubmitTx)
	mux.HandleFunc("/health", g.handleHealth)
	if g.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	g.server = &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(g.port)),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.logger.Infow("gateway listening", "port", g.port)
			if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		for _, seed := range g.seeds {
			g.wg.Add(1)
			go func(seed string) {
				defer g.wg.Done()
				g.dialSeed(ctx, seed)
			}(seed)
		}
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		g.closePeers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.server.Shutdown(shutdownCtx)
	g.closePeers()
	g.wg.Wait()
	return ctx.Err()
}

// dialSeed maintains an outbound link to one seed peer with exponential
// backoff between attempts.
func (g *Gateway) dialSeed(ctx context.Context, seed string) {
	backoff := backoffBase
	for ctx.Err() == nil {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, seed, nil)
		if err != nil {
			g.logger.Warnw("seed dial failed", "seed", seed, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = backoffBase
		g.addPeer(conn, seed)
		g.readLoop(ctx, conn)
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	g.addPeer(conn, r.RemoteAddr)
	// The handler owns the connection for its whole lifetime; returning
	// would cancel the request context under the read loop.
	g.readLoop(r.Context(), conn)
}

// readLoop pumps one peer connection into the deliverer. Per-peer FIFO is
// preserved: a single goroutine reads and delivers sequentially.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer g.removePeer(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Debugw("dropping unparseable peer frame", "err", err)
			continue
		}
		switch env.Kind {
		case KindConsensus:
			if env.Message == nil || g.deliver == nil {
				continue
			}
			if err := g.deliver.Deliver(ctx, env.Message); err != nil {
				g.logger.Warnw("inbound delivery failed", "type", env.Message.Type, "err", err)
			}
		case KindProposal:
			if env.Block == nil {
				continue
			}
			if err := g.blocks.SavePendingBlock(ctx, env.Block); err != nil {
				g.logger.Warnw("failed to park proposed block", "hash", env.Block.Hash, "err", err)
			}
		default:
			g.logger.Debugw("dropping frame of unknown kind", "kind", env.Kind)
		}
	}
}

func (g *Gateway) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var tx core.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed transaction"})
		return
	}
	if err := g.pool.Add(r.Context(), tx); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, mempool.ErrDuplicateTransaction) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": tx.Hash})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := g.kv.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) addPeer(conn *websocket.Conn, name string) {
	g.mu.Lock()
	g.peers[conn] = name
	count := len(g.peers)
	g.mu.Unlock()
	g.logger.Infow("peer connected", "peer", name, "peers", count)
}

func (g *Gateway) removePeer(conn *websocket.Conn) {
	g.mu.Lock()
	name, ok := g.peers[conn]
	delete(g.peers, conn)
	g.mu.Unlock()
	if ok {
		conn.Close()
		g.logger.Infow("peer disconnected", "peer", name)
	}
}

func (g *Gateway) closePeers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.peers {
		c.Close()
	}
	g.peers = make(map[*websocket.Conn]string)
}

// PeerCount reports the number of connected peers.
func (g *Gateway) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
