package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"supportbot/internal/domain"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Logger *slog.Logger
}

// WebSocketChannel serves a web chat widget. It is an http.Handler mounted on
// the API server; Start only wires it to the bus.
type WebSocketChannel struct {
	bus    domain.MessageBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
	ready   chan struct{}
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type    string `json:"type"` // "message" | "status" | "error"
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`

	// Set on replies. Action is "answer", "clarify" or "escalate"; an
	// escalate reply expects "sí" or "no" next.
	Action  string   `json:"action,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
	Options []string `json:"options,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the widget is embedded on other origins; auth is the API key
	},
}

func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	return &WebSocketChannel{
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
		ready:   make(chan struct{}),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start registers the outbound handler and blocks until ctx is cancelled.
// Connections arriving before Start are refused.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.mu.Lock()
	ws.bus = bus
	ws.mu.Unlock()

	bus.OnOutbound("websocket", func(msg domain.OutboundMessage) {
		ws.broadcastToChat(msg.ChatID, replyMessage(msg))
	})
	close(ws.ready)
	ws.logger.Info("websocket channel ready")

	<-ctx.Done()
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) Send(ctx context.Context, chatID string, content string) error {
	if !ws.hasChat(chatID) {
		return fmt.Errorf("websocket: no client for chat %q", chatID)
	}
	ws.broadcastToChat(chatID, WSMessage{Type: "message", Content: content, ChatID: chatID})
	return nil
}

func replyMessage(msg domain.OutboundMessage) WSMessage {
	out := WSMessage{Type: "message", Content: msg.Content, ChatID: msg.ChatID}
	if msg.Decision != nil {
		out.Action = string(msg.Decision.Action())
		out.Outcome = string(msg.Decision.Outcome)
	}
	if isTicketOffer(msg) {
		out.Options = []string{"sí", "no"}
	}
	return out
}

func (ws *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-ws.ready:
	default:
		http.Error(w, "websocket channel not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			client.send(WSMessage{Type: "error", Content: "invalid message"})
			continue
		}
		if wsMsg.Type != "message" || wsMsg.Content == "" {
			continue
		}

		ws.mu.RLock()
		bus := ws.bus
		ws.mu.RUnlock()
		err = bus.Publish(domain.InboundMessage{
			Channel:   "websocket",
			ChatID:    chatID,
			SenderID:  wsMsg.UserID,
			Content:   wsMsg.Content,
			Timestamp: time.Now(),
		})
		if err != nil {
			ws.logger.Warn("websocket message dropped", "chat_id", chatID, "err", err)
			client.send(WSMessage{Type: "error", Content: err.Error(), ChatID: chatID})
		}
	}
}

func (ws *WebSocketChannel) hasChat(chatID string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, c := range ws.clients {
		if c.chatID == chatID {
			return true
		}
	}
	return false
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	for _, client := range ws.clients {
		if client.chatID == chatID {
			if err := client.send(msg); err != nil {
				ws.logger.Debug("websocket write failed", "err", err)
			}
		}
	}
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
