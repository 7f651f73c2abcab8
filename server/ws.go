package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xhad/ragchat/pkg/ingest"
	"github.com/xhad/ragchat/pkg/scraper"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// WSMessage is the frame exchanged on /ws in both directions.
type WSMessage struct {
	Type      string      `json:"type"`
	Content   string      `json:"content"`
	UserID    *int64      `json:"user_id,omitempty"`
	SessionID *int64      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// wsConn serializes writes and remembers the chat session of each user that
// has chatted on the connection.
type wsConn struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	sessions map[int64]int64
}

func (w *wsConn) send(msgType, content string, data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(WSMessage{Type: msgType, Content: content, Data: data})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn, sessions: make(map[int64]int64)}
	ctx := c.Request.Context()
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		if err := s.handleMessage(ctx, ws, msg); err != nil {
			s.log.Warn().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, ws *wsConn, msg WSMessage) error {
	query := strings.TrimSpace(msg.Content)
	if query == "" {
		return ws.send("error", "empty message", nil)
	}

	if link := urlPattern.FindString(query); link != "" {
		if err := s.ingestURL(ctx, ws, link, msg.UserID); err != nil {
			return err
		}
		if query == link {
			return nil
		}
	}

	if msg.UserID == nil {
		return ws.send("error", "user_id is required to chat", nil)
	}
	userID := *msg.UserID
	sessionID := msg.SessionID
	if sessionID == nil {
		if remembered, ok := ws.sessions[userID]; ok {
			sessionID = &remembered
		}
	}

	ex, err := s.deps.Chat.Converse(ctx, userID, sessionID, query, s.respond)
	if err != nil {
		return ws.send("error", err.Error(), nil)
	}
	ws.sessions[userID] = ex.SessionID
	return ws.send("response", ex.Reply.MessageText, gin.H{"session_id": ex.SessionID})
}

// ingestURL crawls link and stores its pages, reporting progress on ws.
func (s *Server) ingestURL(ctx context.Context, ws *wsConn, link string, owner *int64) error {
	if err := ws.send("status", fmt.Sprintf("Processing URL: %s", link), nil); err != nil {
		return err
	}

	var scraped int32
	config := s.config.Scraper
	config.BaseURL = link
	config.OnPage = func(string) {
		n := atomic.AddInt32(&scraped, 1)
		_ = ws.send("progress", fmt.Sprintf("Scraped %d pages", n), nil)
	}
	sc, err := scraper.NewWithConfig(config, s.log)
	if err != nil {
		return ws.send("error", fmt.Sprintf("Failed to initialize scraper: %v", err), nil)
	}

	pages, err := sc.Scrape(ctx, link)
	if err != nil {
		return ws.send("error", fmt.Sprintf("Failed to scrape URL: %v", err), nil)
	}
	if len(pages) == 0 {
		return ws.send("status", "No readable pages found", nil)
	}

	summary, err := s.deps.Ingest.Upload(ctx, scraper.Uploads(pages), ingest.UploadOptions{OwnerID: owner})
	if err != nil {
		return ws.send("error", fmt.Sprintf("Failed to store pages: %v", err), nil)
	}
	return ws.send("status", fmt.Sprintf("Scraped %d pages, added %d chunks", len(pages), summary.TotalChunks), summary)
}
