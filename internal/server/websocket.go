package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/broadcast"
)

// Front-end requests.
const (
	NotificationConfig        = "CONFIG"
	NotificationUpdateRequest = "UPDATEREQUEST"
	NotificationRetryAuth     = "RETRY_AUTH"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sinkBuffer  = 64
	maxReadSize = 64 * 1024
)

type request struct {
	Notification string `json:"notification"`
}

// WebSocketHandler binds each connection to one client instance, taken
// from ?instance= or generated.
type WebSocketHandler struct {
	session  Session
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWebSocketHandler(sess Session, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		session: sess,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsClient{
		id:      instanceID,
		conn:    conn,
		sink:    broadcast.NewChanSink(sinkBuffer),
		session: h.session,
		log:     h.log.With().Str("instance", instanceID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.session.RegisterClient(instanceID, c.sink)
	frontends.WithLabelValues("websocket").Inc()
	c.log.Info().Msg("front-end connected")

	go c.writePump()
	c.readPump()
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	sink    *broadcast.ChanSink
	session Session
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.sink.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.session.UnregisterClient(c.id, c.sink)
		frontends.WithLabelValues("websocket").Dec()
		c.cancel()
		c.log.Info().Msg("front-end disconnected")
	}()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.Debug().Err(err).Msg("undecodable front-end message")
			continue
		}
		c.handle(req)
	}
}

// handle runs each request off the read loop; authentication can take
// minutes.
func (c *wsClient) handle(req request) {
	var run func(context.Context) error
	switch req.Notification {
	case NotificationConfig:
		run = func(ctx context.Context) error { return c.session.RequestInitialization(ctx, c.id) }
	case NotificationUpdateRequest:
		run = c.session.RequestUpdate
	case NotificationRetryAuth:
		run = c.session.RetryAuthentication
	default:
		c.log.Debug().Str("notification", req.Notification).Msg("unknown front-end notification")
		return
	}
	frontendMessages.WithLabelValues(req.Notification).Inc()
	go func() {
		if err := run(c.ctx); err != nil {
			c.log.Debug().Err(err).Str("notification", req.Notification).Msg("front-end request finished with error")
		}
	}()
}
