package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/command"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// ErrEndpointNotConnected is returned by send operations toward a peer
// without an established connection.
var ErrEndpointNotConnected = errors.New("endpoint not connected")

// DefaultReplayHorizon drops messages older than this during replay,
// in seconds.
const DefaultReplayHorizon = 300

const sendQueueLen = 1024

// Endpoint is one addressable cluster peer.
type Endpoint struct {
	Name    string
	Address string
	Zone    string

	mu           sync.Mutex
	conn         *websocket.Conn
	sendCh       chan *Envelope
	connected    bool
	syncing      bool
	capabilities types.Capability
	lastSent     float64
	lastReceived float64
}

// Connected reports whether the peer has an established connection.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Capabilities returns the peer's advertised capability bitmask.
func (e *Endpoint) Capabilities() types.Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities
}

// Zone groups endpoints for replication purposes.
type Zone struct {
	Name      string
	Parent    string
	Endpoints []string
	Global    bool
}

// Handler processes one inbound message. origin names the sending
// endpoint; handlers must not re-emit toward it.
type Handler func(origin string, env *Envelope)

// Config wires the messenger.
type Config struct {
	Clock         clock.Clock
	NodeName      string
	Broker        *events.Broker
	Capabilities  types.Capability
	ReplayHorizon float64
}

// Messenger maintains websocket connections to named endpoints and
// exchanges fire-and-forget JSON-RPC notifications. Per-endpoint delivery
// is FIFO through a single writer goroutine; there is no cross-endpoint
// ordering.
type Messenger struct {
	cfg Config

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	zones     map[string]*Zone
	handlers  map[string]Handler

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMessenger creates a messenger for the named local node.
func NewMessenger(cfg Config) *Messenger {
	if cfg.ReplayHorizon <= 0 {
		cfg.ReplayHorizon = DefaultReplayHorizon
	}
	return &Messenger{
		cfg:       cfg,
		endpoints: make(map[string]*Endpoint),
		zones:     make(map[string]*Zone),
		handlers:  make(map[string]Handler),
		upgrader:  websocket.Upgrader{},
		stopCh:    make(chan struct{}),
	}
}

// NodeName returns the local endpoint name.
func (m *Messenger) NodeName() string { return m.cfg.NodeName }

// RegisterEndpoint declares a peer. Address may be empty for peers that
// only connect inbound.
func (m *Messenger) RegisterEndpoint(name, address, zone string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[name]; ok {
		return ep
	}
	ep := &Endpoint{Name: name, Address: address, Zone: zone}
	m.endpoints[name] = ep
	return ep
}

// RegisterZone declares a zone.
func (m *Messenger) RegisterZone(z *Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.Name] = z
}

// GetEndpoint looks a peer up by name.
func (m *Messenger) GetEndpoint(name string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	return ep, ok
}

// OnMessage registers the handler for a method. One handler per method;
// later registrations replace earlier ones.
func (m *Messenger) OnMessage(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Listen starts accepting peer connections on addr and returns the bound
// address, useful with ":0" in tests.
func (m *Messenger) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("cluster listener: %w", err)
	}
	m.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", m.handleUpgrade)
	m.server = &http.Server{Handler: mux}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if serr := m.server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.WithComponent("cluster").Error().Err(serr).Msg("Cluster listener failed")
		}
	}()

	log.WithComponent("cluster").Info().
		Str("address", ln.Addr().String()).
		Msg("Cluster messenger listening")
	return ln.Addr().String(), nil
}

// Stop closes the listener and every peer connection.
func (m *Messenger) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.server != nil {
		m.server.Close()
	}
	m.mu.RLock()
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		if ep.conn != nil {
			ep.conn.Close()
		}
		ep.mu.Unlock()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Dial connects to a registered endpoint and performs the hello exchange.
func (m *Messenger) Dial(name string) error {
	ep, ok := m.GetEndpoint(name)
	if !ok {
		return fmt.Errorf("unknown endpoint '%s'", name)
	}
	if ep.Address == "" {
		return fmt.Errorf("endpoint '%s' has no address", name)
	}

	url := "ws://" + ep.Address + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dialing endpoint '%s': %w", name, err)
	}

	hello, err := NewEnvelope(MethodHello, &HelloParams{
		Endpoint:     m.cfg.NodeName,
		Capabilities: m.cfg.Capabilities,
	}, m.nowUnix(), m.cfg.NodeName)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("hello to endpoint '%s': %w", name, err)
	}

	m.attach(ep, conn)
	return nil
}

// handleUpgrade accepts an inbound peer connection. The first message must
// be event::Hello naming the peer.
func (m *Messenger) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("cluster").Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	var hello Envelope
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Method != MethodHello {
		log.WithComponent("cluster").Warn().Msg("Peer did not introduce itself, closing")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var params HelloParams
	if err := unmarshalParams(hello.Params, &params); err != nil || params.Endpoint == "" {
		log.WithComponent("cluster").Warn().Msg("Malformed hello from peer, closing")
		conn.Close()
		return
	}

	m.mu.Lock()
	ep, ok := m.endpoints[params.Endpoint]
	if !ok {
		ep = &Endpoint{Name: params.Endpoint}
		m.endpoints[params.Endpoint] = ep
	}
	m.mu.Unlock()

	ep.mu.Lock()
	ep.capabilities = params.Capabilities
	ep.mu.Unlock()

	m.attach(ep, conn)
}

// attach installs the connection and starts the reader and writer loops.
func (m *Messenger) attach(ep *Endpoint, conn *websocket.Conn) {
	ep.mu.Lock()
	if ep.conn != nil {
		// A reconnect supersedes the live connection. Closing the old send
		// channel lets its writer loop drain and exit; detach for the old
		// conn sees it is no longer current and leaves the new channel alone.
		ep.conn.Close()
		if ep.sendCh != nil {
			close(ep.sendCh)
		}
	}
	ep.conn = conn
	ep.sendCh = make(chan *Envelope, sendQueueLen)
	ep.connected = true
	sendCh := ep.sendCh
	ep.mu.Unlock()

	log.WithComponent("cluster").Info().
		Str("endpoint", ep.Name).
		Msg("Endpoint connected")
	m.emit(events.EventEndpointConnected, ep.Name)

	m.wg.Add(2)
	go m.writeLoop(ep, conn, sendCh)
	go m.readLoop(ep, conn)
}

func (m *Messenger) detach(ep *Endpoint, conn *websocket.Conn) {
	ep.mu.Lock()
	current := ep.conn == conn
	if current {
		ep.conn = nil
		ep.connected = false
		close(ep.sendCh)
		ep.sendCh = nil
	}
	ep.mu.Unlock()
	conn.Close()

	if current {
		log.WithComponent("cluster").Info().
			Str("endpoint", ep.Name).
			Msg("Endpoint disconnected")
		m.emit(events.EventEndpointDisconnected, ep.Name)
	}
}

func (m *Messenger) writeLoop(ep *Endpoint, conn *websocket.Conn, sendCh chan *Envelope) {
	defer m.wg.Done()
	for env := range sendCh {
		if err := conn.WriteJSON(env); err != nil {
			log.WithComponent("cluster").Debug().
				Err(err).
				Str("endpoint", ep.Name).
				Str("method", env.Method).
				Msg("Cluster send failed")
			return
		}
		ep.mu.Lock()
		ep.lastSent = m.nowUnix()
		ep.mu.Unlock()
	}
}

func (m *Messenger) readLoop(ep *Endpoint, conn *websocket.Conn) {
	defer m.wg.Done()
	defer m.detach(ep, conn)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		now := m.nowUnix()
		ep.mu.Lock()
		ep.lastReceived = now
		ep.mu.Unlock()

		if env.Origin == m.cfg.NodeName {
			continue
		}
		if env.Ts != 0 && now-env.Ts > m.cfg.ReplayHorizon {
			log.WithComponent("cluster").Debug().
				Str("endpoint", ep.Name).
				Str("method", env.Method).
				Msg("Dropping message beyond replay horizon")
			continue
		}
		if env.Origin == "" {
			env.Origin = ep.Name
		}

		m.mu.RLock()
		handler := m.handlers[env.Method]
		m.mu.RUnlock()
		if handler == nil {
			log.WithComponent("cluster").Debug().
				Str("method", env.Method).
				Msg("No handler for cluster message")
			continue
		}
		handler(ep.Name, &env)
	}
}

// SyncSendMessage queues a message toward one endpoint, best-effort. A
// full queue or a disconnected peer drops the message with a log entry.
func (m *Messenger) SyncSendMessage(endpoint string, env *Envelope) error {
	ep, ok := m.GetEndpoint(endpoint)
	if !ok {
		return fmt.Errorf("unknown endpoint '%s'", endpoint)
	}

	// The queued send happens under ep.mu so detach cannot close the
	// channel underneath it. The select never blocks.
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.connected || ep.sendCh == nil {
		log.WithComponent("cluster").Debug().
			Str("endpoint", endpoint).
			Str("method", env.Method).
			Msg("Cluster send skipped, endpoint not connected")
		return fmt.Errorf("%w: '%s'", ErrEndpointNotConnected, endpoint)
	}

	select {
	case ep.sendCh <- env:
		return nil
	default:
		log.WithComponent("cluster").Debug().
			Str("endpoint", endpoint).
			Str("method", env.Method).
			Msg("Cluster send queue full, dropping message")
		return fmt.Errorf("send queue full for '%s'", endpoint)
	}
}

// Broadcast sends to every connected endpoint except the named one,
// suppressing re-emission toward the message origin.
func (m *Messenger) Broadcast(env *Envelope, except string) {
	m.mu.RLock()
	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		if name == except || name == env.Origin {
			continue
		}
		_ = m.SyncSendMessage(name, env)
	}
}

// Send marshals params and queues the message toward one endpoint.
func (m *Messenger) Send(endpoint, method string, params any) error {
	env, err := NewEnvelope(method, params, m.nowUnix(), m.cfg.NodeName)
	if err != nil {
		return err
	}
	return m.SyncSendMessage(endpoint, env)
}

// IsConnected implements scheduler.EndpointProbe.
func (m *Messenger) IsConnected(name string) bool {
	ep, ok := m.GetEndpoint(name)
	return ok && ep.Connected()
}

// IsSyncing implements scheduler.EndpointProbe.
func (m *Messenger) IsSyncing(name string) bool {
	ep, ok := m.GetEndpoint(name)
	if !ok {
		return false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.syncing
}

// SetSyncing flags an endpoint as replaying its initial state.
func (m *Messenger) SetSyncing(name string, syncing bool) {
	if ep, ok := m.GetEndpoint(name); ok {
		ep.mu.Lock()
		ep.syncing = syncing
		ep.mu.Unlock()
	}
}

// HasCapability implements command.RemoteSender.
func (m *Messenger) HasCapability(name string, cap types.Capability) bool {
	ep, ok := m.GetEndpoint(name)
	return ok && ep.Capabilities()&cap != 0
}

// SendExecuteCommand implements command.RemoteSender.
func (m *Messenger) SendExecuteCommand(endpoint string, params *command.ExecuteCommandParams) error {
	return m.Send(endpoint, MethodExecuteCommand, params)
}

func (m *Messenger) emit(typ events.Type, endpoint string) {
	if m.cfg.Broker != nil {
		m.cfg.Broker.Emit(typ, endpoint, m.cfg.Clock.Now(), nil)
	}
}

func (m *Messenger) nowUnix() float64 { return clock.ToUnix(m.cfg.Clock.Now()) }

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("empty params")
	}
	return json.Unmarshal(raw, out)
}
