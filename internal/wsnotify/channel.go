package wsnotify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"catenis-api-emulator/internal/signer"
)

// channelOpenMessage is sent as soon as a channel completes its handshake.
const channelOpenMessage = "NOTIFICATION_CHANNEL_OPEN"

const writeWait = 10 * time.Second

// authMessage is the first text frame a freshly upgraded channel must send:
// the two signature headers, verbatim.
type authMessage struct {
	Timestamp     *string `json:"x-bcot-timestamp"`
	Authorization *string `json:"authorization"`
}

// Channel is one accepted notification WebSocket connection, from upgrade
// through the auth handshake to close.
type Channel struct {
	id        string
	srv       *Server
	conn      *websocket.Conn
	req       *http.Request
	eventName string

	mu            sync.Mutex
	deviceID      string
	authenticated bool
	alive         bool
	authTimer     *time.Timer

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(srv *Server, conn *websocket.Conn, req *http.Request, eventName string) *Channel {
	return &Channel{
		id:        newChannelID(),
		srv:       srv,
		conn:      conn,
		req:       req,
		eventName: eventName,
		send:      make(chan []byte, 8),
		done:      make(chan struct{}),
	}
}

// start arms the auth deadline, spawns the write pump and reads frames until
// the connection dies. It returns when the channel is finished.
func (c *Channel) start() {
	c.mu.Lock()
	c.authTimer = time.AfterFunc(c.srv.authTimeout, c.authDeadlineElapsed)
	c.mu.Unlock()

	go c.writePump()
	c.readPump()
}

func (c *Channel) authDeadlineElapsed() {
	if c.isAuthenticated() {
		return
	}
	c.srv.log.Infow("notification channel auth deadline elapsed", "channel", c.id)
	c.closeWith(websocket.CloseProtocolError, "Failed to receive authentication message")
}

// readPump consumes incoming frames. Before authentication the first text
// frame is the handshake; afterwards inbound frames are ignored (pongs are
// handled out of band).
func (c *Channel) readPump() {
	defer func() {
		c.terminate()
		c.cleanup()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debugw("notification channel read error", "channel", c.id, "error", err)
			}
			return
		}
		if c.isAuthenticated() {
			continue
		}
		c.handleAuthFrame(messageType, payload)
	}
}

// handleAuthFrame validates the handshake frame, re-signs the retained
// upgrade request with the provided headers and authenticates it against the
// credentials registry. The upgrade request carries no body, so the signature
// covers empty bytes.
func (c *Channel) handleAuthFrame(messageType int, payload []byte) {
	var msg authMessage
	if messageType != websocket.TextMessage ||
		json.Unmarshal(payload, &msg) != nil ||
		msg.Timestamp == nil || msg.Authorization == nil {
		c.closeWith(websocket.CloseProtocolError, "Invalid authentication message")
		return
	}

	c.req.Header.Set(signer.HeaderTimestamp, *msg.Timestamp)
	c.req.Header.Set(signer.HeaderAuthorization, *msg.Authorization)

	deviceID, authErr := c.srv.auth.AuthenticateRequest(c.req, nil)
	if authErr != nil {
		code := websocket.CloseProtocolError
		if authErr.Code == http.StatusInternalServerError {
			code = websocket.CloseInternalServerErr
		}
		c.srv.log.Infow("notification channel authentication failed",
			"channel", c.id, "reason", authErr.Message)
		c.closeWith(code, authErr.Message)
		return
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.authenticated = true
	c.alive = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	c.srv.registerAuthenticated(c)
	c.srv.log.Infow("notification channel authenticated",
		"channel", c.id, "device", deviceID, "event", c.eventName)

	c.sendText([]byte(channelOpenMessage))
	c.srv.autoDispatch(deviceID, c.eventName)
}

// writePump owns all data writes on the socket: queued text frames and the
// heartbeat. On a heartbeat tick a channel that failed to pong since the
// previous tick is terminated abruptly.
func (c *Channel) writePump() {
	ticker := time.NewTicker(c.srv.heartbeatPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.isAuthenticated() {
				continue
			}
			if !c.consumeAlive() {
				c.srv.log.Infow("notification channel heartbeat lost", "channel", c.id)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendText queues a text frame for delivery. Frames are dropped once the
// channel is closing; callers only pass authenticated channels.
func (c *Channel) sendText(message []byte) {
	select {
	case <-c.done:
	case c.send <- message:
	}
}

// closeWith sends a close frame with the given code and reason, then tears
// the connection down.
func (c *Channel) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		_ = c.conn.Close()
	})
}

// terminate tears the connection down abruptly, without a close frame.
func (c *Channel) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// cleanup releases the channel's timers and removes it from the server's
// client set and routing index.
func (c *Channel) cleanup() {
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	c.srv.unregister(c)
	c.srv.log.Infow("notification channel closed", "channel", c.id)
}

func (c *Channel) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Channel) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// consumeAlive returns the liveness flag and clears it for the next period.
func (c *Channel) consumeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.alive
	c.alive = false
	return alive
}
