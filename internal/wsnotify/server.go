// Package wsnotify implements the WebSocket notification subsystem: it
// accepts upgrades on the notification URLs, runs the per-channel
// authentication handshake and heartbeat, and plays back the installed
// notification messages.
package wsnotify

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"catenis-api-emulator/internal/apiserver"
	"catenis-api-emulator/internal/model"
)

// Subprotocol is the WebSocket subprotocol notification clients must offer.
const Subprotocol = "notify.catenis.io"

const (
	defaultAuthTimeout     = 5 * time.Second
	defaultHeartbeatPeriod = 30 * time.Second

	// pendingKeySeparator joins device ID and event name into the
	// de-duplication key for delayed dispatches.
	pendingKeySeparator = ":"
)

// Authenticator is the capability the API server provides for authenticating
// the handshake of a notification channel.
type Authenticator interface {
	AuthenticateRequest(req *http.Request, body []byte) (string, *apiserver.AuthError)
}

// Server accepts notification channels and routes installed notification
// messages to them.
type Server struct {
	log  *zap.SugaredLogger
	auth Authenticator

	pathRegex *regexp.Regexp
	upgrader  websocket.Upgrader

	// Overridable in tests; production always runs the defaults.
	authTimeout     time.Duration
	heartbeatPeriod time.Duration

	mu        sync.Mutex
	notifyCtx model.NotifyContext
	clients   map[*Channel]struct{}
	index     map[string]map[string]map[*Channel]struct{}
	pending   map[string]*time.Timer
}

// New builds the notification server for the given API base path
// ("/api/<version>/"). Channel handshakes authenticate through auth.
func New(log *zap.SugaredLogger, basePath string, auth Authenticator) *Server {
	s := &Server{
		log:             log,
		auth:            auth,
		authTimeout:     defaultAuthTimeout,
		heartbeatPeriod: defaultHeartbeatPeriod,
		clients:         make(map[*Channel]struct{}),
		index:           make(map[string]map[string]map[*Channel]struct{}),
		pending:         make(map[string]*time.Timer),
	}
	s.pathRegex = regexp.MustCompile(
		"^" + regexp.QuoteMeta(basePath) + "notify/ws/(" + strings.Join(model.NotificationEvents, "|") + ")$")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// ServeHTTP accepts a notification channel upgrade. The URL must name one of
// the closed event set and the client must offer the notification
// subprotocol.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matches := s.pathRegex.FindStringSubmatch(r.URL.Path)
	if matches == nil {
		http.NotFound(w, r)
		return
	}
	eventName := matches[1]

	if !offersSubprotocol(r, Subprotocol) {
		http.Error(w, "unsupported WebSocket subprotocol", http.StatusBadRequest)
		return
	}

	// The handshake re-signs the upgrade request, so its method, URL, host
	// and headers are retained past the handler's lifetime.
	retained := r.Clone(r.Context())
	retained.Body = http.NoBody

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("notification channel upgrade failed", "error", err)
		return
	}

	channel := newChannel(s, conn, retained, eventName)
	s.mu.Lock()
	s.clients[channel] = struct{}{}
	s.mu.Unlock()

	s.log.Infow("notification channel accepted",
		"channel", channel.id, "event", eventName, "remote", conn.RemoteAddr().String())
	channel.start()
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, offered := range websocket.Subprotocols(r) {
		if offered == want {
			return true
		}
	}
	return false
}

// SetNotifyContext validates and installs the notification table, replacing
// any prior contents atomically.
func (s *Server) SetNotifyContext(notifyCtx model.NotifyContext) error {
	if err := notifyCtx.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.notifyCtx = notifyCtx
	s.mu.Unlock()
	return nil
}

// NotifyContext returns the installed notification table, or nil.
func (s *Server) NotifyContext() model.NotifyContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCtx
}

// registerAuthenticated indexes a channel that completed its handshake under
// its (device, event) pair.
func (s *Server) registerAuthenticated(channel *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, ok := s.index[channel.deviceID]
	if !ok {
		events = make(map[string]map[*Channel]struct{})
		s.index[channel.deviceID] = events
	}
	channels, ok := events[channel.eventName]
	if !ok {
		channels = make(map[*Channel]struct{})
		events[channel.eventName] = channels
	}
	channels[channel] = struct{}{}
}

// unregister removes a channel from the client set and, if indexed, from the
// routing index, pruning empty inner maps.
func (s *Server) unregister(channel *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, channel)
	if channel.deviceID == "" {
		return
	}
	events, ok := s.index[channel.deviceID]
	if !ok {
		return
	}
	if channels, ok := events[channel.eventName]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(events, channel.eventName)
		}
	}
	if len(events) == 0 {
		delete(s.index, channel.deviceID)
	}
}

// autoDispatch runs when a channel completes its handshake: if the installed
// notification table has an entry for the channel's (device, event) pair, the
// message is delivered immediately or scheduled after the entry's timeout.
// At most one delayed dispatch is outstanding per pair.
func (s *Server) autoDispatch(deviceID, eventName string) {
	s.mu.Lock()
	entry, ok := s.lookupEntry(deviceID, eventName)
	if !ok {
		s.mu.Unlock()
		return
	}

	if entry.Timeout > 0 {
		key := deviceID + pendingKeySeparator + eventName
		if _, exists := s.pending[key]; !exists {
			s.pending[key] = time.AfterFunc(time.Duration(entry.Timeout)*time.Millisecond, func() {
				s.firePendingDispatch(key, deviceID, eventName, entry.Data)
			})
		}
		s.mu.Unlock()
		return
	}

	targets := s.targetsLocked(deviceID, eventName)
	s.mu.Unlock()
	s.deliver(targets, entry.Data)
}

// firePendingDispatch is the delayed-timer callback. The pending-map removal
// and the cancellation guard share the critical section so a concurrent
// closeAllClients cannot race a second dispatch in.
func (s *Server) firePendingDispatch(key, deviceID, eventName, data string) {
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok {
		// Cancelled between fire and lock acquisition.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	targets := s.targetsLocked(deviceID, eventName)
	s.mu.Unlock()
	s.deliver(targets, data)
}

// lookupEntry must be called with s.mu held.
func (s *Server) lookupEntry(deviceID, eventName string) (model.NotifyEntry, bool) {
	events, ok := s.notifyCtx[deviceID]
	if !ok {
		return model.NotifyEntry{}, false
	}
	entry, ok := events[eventName]
	return entry, ok
}

// targetsLocked snapshots the indexed channels for a (device, event) pair.
// Must be called with s.mu held.
func (s *Server) targetsLocked(deviceID, eventName string) []*Channel {
	var targets []*Channel
	if events, ok := s.index[deviceID]; ok {
		for channel := range events[eventName] {
			targets = append(targets, channel)
		}
	}
	return targets
}

// deliver sends the notification payload to every target whose socket is
// still open and authenticated; others are silently skipped.
func (s *Server) deliver(targets []*Channel, data string) {
	for _, channel := range targets {
		channel.sendText([]byte(data))
	}
}

// CloseAllClients closes every open channel with a going-away frame and
// cancels every pending delayed dispatch.
func (s *Server) CloseAllClients() error {
	s.mu.Lock()
	for key, timer := range s.pending {
		timer.Stop()
		delete(s.pending, key)
	}
	channels := make([]*Channel, 0, len(s.clients))
	for channel := range s.clients {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	for _, channel := range channels {
		channel.closeWith(websocket.CloseGoingAway, "Connection closed by end user")
	}
	return nil
}

func newChannelID() string {
	return uuid.NewString()
}
