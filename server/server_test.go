package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
	"github.com/xhad/ragchat/pkg/ingest"
	"github.com/xhad/ragchat/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChat struct {
	history []models.Turn
	calls   int
}

func (f *fakeChat) CreateUser(_ context.Context, username string) (*models.User, error) {
	if username == "taken" {
		return nil, apperr.E(apperr.Conflict, "test", "username exists", nil)
	}
	return &models.User{UserID: 1, Username: username}, nil
}

func (f *fakeChat) GetUser(_ context.Context, id int64) (*models.User, error) {
	if id != 1 {
		return nil, apperr.E(apperr.NotFound, "test", "user not found", nil)
	}
	return &models.User{UserID: 1, Username: "ann"}, nil
}

func (f *fakeChat) CreateSession(_ context.Context, userID int64) (*models.Session, error) {
	return &models.Session{SessionID: 10, UserID: userID}, nil
}

func (f *fakeChat) ListSessions(_ context.Context, userID int64) ([]models.Session, error) {
	return []models.Session{{SessionID: 11, UserID: userID}, {SessionID: 10, UserID: userID}}, nil
}

func (f *fakeChat) ListMessages(_ context.Context, sessionID int64) ([]models.Message, error) {
	if sessionID != 10 {
		return nil, apperr.E(apperr.NotFound, "test", "session not found", nil)
	}
	return []models.Message{{MessageID: 1, SessionID: 10, Sender: models.SenderUser, MessageText: "hi"}}, nil
}

func (f *fakeChat) Converse(ctx context.Context, userID int64, sessionID *int64, text string, respond store.RespondFunc) (*store.Exchange, error) {
	f.calls++
	reply, err := respond(ctx, text, f.history)
	if err != nil {
		return nil, err
	}
	sid := int64(10 + f.calls)
	if sessionID != nil {
		sid = *sessionID
	}
	return &store.Exchange{
		SessionID: sid,
		Reply:     models.Message{SessionID: sid, Sender: models.SenderAI, MessageText: reply},
	}, nil
}

type fakeAgent struct {
	err error
}

func (a *fakeAgent) Respond(_ context.Context, input string, history []models.Turn) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "echo: " + input, nil
}

type fakeIngest struct {
	files   []models.FileUpload
	opts    ingest.UploadOptions
	cleared *int64
	err     error
}

func (f *fakeIngest) Upload(_ context.Context, files []models.FileUpload, opts ingest.UploadOptions) (*ingest.BatchSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.files, f.opts = files, opts
	return &ingest.BatchSummary{TotalFiles: len(files), Successful: len(files), TotalChunks: 2 * len(files)}, nil
}

func (f *fakeIngest) Search(_ context.Context, query string, k int, ownerID *int64) ([]models.ScoredChunk, error) {
	return []models.ScoredChunk{{Chunk: models.Chunk{Text: "match for " + query}, ID: 1, Similarity: 0.9}}, nil
}

func (f *fakeIngest) Stats(_ context.Context, ownerID *int64) ingest.Stats {
	stats := ingest.Stats{TotalDocuments: 5}
	if ownerID != nil {
		n := int64(2)
		stats.UserDocuments = &n
	}
	return stats
}

func (f *fakeIngest) Clear(_ context.Context, ownerID *int64) (int64, error) {
	f.cleared = ownerID
	return 3, nil
}

func newTestServer(agent *fakeAgent, ing *fakeIngest) (*Server, *fakeChat) {
	chat := &fakeChat{}
	return New(Config{}, Deps{Chat: chat, Agent: agent, Ingest: ing, Log: zerolog.Nop()}), chat
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

func TestHealthAndRoot(t *testing.T) {
	s, _ := newTestServer(&fakeAgent{}, &fakeIngest{})

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserRoutes(t *testing.T) {
	s, _ := newTestServer(&fakeAgent{}, &fakeIngest{})

	w := do(t, s, http.MethodPost, "/api/v1/users", map[string]string{"username": "ann"})
	assert.Equal(t, http.StatusOK, w.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	assert.Equal(t, "ann", u.Username)

	w = do(t, s, http.MethodPost, "/api/v1/users", map[string]string{"username": "taken"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeError(t, w).Code)

	w = do(t, s, http.MethodPost, "/api/v1/users", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/users/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, w).Code)
}

func TestSessionRoutes(t *testing.T) {
	s, _ := newTestServer(&fakeAgent{}, &fakeIngest{})

	w := do(t, s, http.MethodPost, "/api/v1/sessions", map[string]int64{"user_id": 1})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/sessions/users/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var sessions []models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)

	w = do(t, s, http.MethodGet, "/api/v1/sessions/10/messages", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/sessions/99/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage(t *testing.T) {
	s, _ := newTestServer(&fakeAgent{}, &fakeIngest{})

	w := do(t, s, http.MethodPost, "/api/v1/messages", map[string]any{"user_id": 1, "message": "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp messageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hello", resp.AIResponse)
	assert.Equal(t, int64(11), resp.SessionID)

	w = do(t, s, http.MethodPost, "/api/v1/messages", map[string]any{"user_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageAgentFailureIsRecorded(t *testing.T) {
	s, _ := newTestServer(&fakeAgent{err: errors.New("model offline")}, &fakeIngest{})

	w := do(t, s, http.MethodPost, "/api/v1/messages", map[string]any{"user_id": 1, "session_id": 10, "message": "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp messageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "I encountered an error: model offline", resp.AIResponse)
	assert.Equal(t, int64(10), resp.SessionID)
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, contentType := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadDocuments(t *testing.T) {
	ing := &fakeIngest{}
	s, _ := newTestServer(&fakeAgent{}, ing)

	body, contentType := multipartBody(t, map[string]string{"notes.txt": "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload?user_id=7&chunk_size=1000&chunk_overlap=100", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, float64(2), summary["total_chunks_added"])

	require.Len(t, ing.files, 1)
	assert.Equal(t, "notes.txt", ing.files[0].Filename)
	assert.Equal(t, "text/plain", ing.files[0].ContentType)
	assert.Equal(t, "content of notes.txt", string(ing.files[0].Data))
	require.NotNil(t, ing.opts.OwnerID)
	assert.Equal(t, int64(7), *ing.opts.OwnerID)
	assert.Equal(t, 1000, ing.opts.ChunkSize)
	require.NotNil(t, ing.opts.ChunkOverlap)
	assert.Equal(t, 100, *ing.opts.ChunkOverlap)
}

func TestUploadDocumentsOverlapOverride(t *testing.T) {
	ing := &fakeIngest{}
	s, _ := newTestServer(&fakeAgent{}, ing)

	upload := func(query string) {
		t.Helper()
		body, contentType := multipartBody(t, map[string]string{"notes.txt": "text/plain"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload"+query, body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	upload("?chunk_overlap=0")
	require.NotNil(t, ing.opts.ChunkOverlap, "explicit zero overlap must reach ingest")
	assert.Equal(t, 0, *ing.opts.ChunkOverlap)
	assert.Zero(t, ing.opts.ChunkSize)

	upload("")
	assert.Nil(t, ing.opts.ChunkOverlap)
}

func TestUploadDocumentsTooLarge(t *testing.T) {
	ing := &fakeIngest{}
	s := New(Config{MaxUploadBytes: 64}, Deps{Chat: &fakeChat{}, Agent: &fakeAgent{}, Ingest: ing, Log: zerolog.Nop()})

	body, contentType := multipartBody(t, map[string]string{"big.txt": "text/plain"})
	require.Greater(t, body.Len(), 64)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, w).Code)
	assert.Nil(t, ing.files)
}

func TestUploadDocumentsErrors(t *testing.T) {
	ing := &fakeIngest{err: apperr.E(apperr.ConfigurationError, "test", "chunk overlap must be smaller than chunk size", nil)}
	s, _ := newTestServer(&fakeAgent{}, ing)

	body, contentType := multipartBody(t, map[string]string{"a.txt": "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload?chunk_size=500&chunk_overlap=500", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "configuration_error", decodeError(t, w).Code)

	ing.err = apperr.E(apperr.PersistenceFailed, "test", "db down", nil)
	body, contentType = multipartBody(t, map[string]string{"a.txt": "text/plain"})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload?user_id=x", strings.NewReader(""))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentStatsSearchAndClear(t *testing.T) {
	ing := &fakeIngest{}
	s, _ := newTestServer(&fakeAgent{}, ing)

	w := do(t, s, http.MethodGet, "/api/v1/documents/stats?user_id=7", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total_documents":5,"user_documents":2}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/documents/stats", nil)
	assert.JSONEq(t, `{"total_documents":5}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/documents/search", map[string]any{"query": "pricing"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "match for pricing")

	w = do(t, s, http.MethodDelete, "/api/v1/documents/clear?user_id=7", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Cleared documents for user 7")
	require.NotNil(t, ing.cleared)
	assert.Equal(t, int64(7), *ing.cleared)

	w = do(t, s, http.MethodDelete, "/api/v1/documents/clear", nil)
	assert.Contains(t, w.Body.String(), "Cleared all documents")
	assert.Nil(t, ing.cleared)
}

func TestWebSocketChat(t *testing.T) {
	s, chat := newTestServer(&fakeAgent{}, &fakeIngest{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	user := int64(1)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat", Content: "hello", UserID: &user}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "response", reply.Type)
	assert.Equal(t, "echo: hello", reply.Content)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat", Content: "again", UserID: &user}))
	require.NoError(t, conn.ReadJSON(&reply))
	data := reply.Data.(map[string]any)
	assert.Equal(t, float64(11), data["session_id"])
	assert.Equal(t, 2, chat.calls)

	other := int64(2)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat", Content: "hi", UserID: &other}))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "response", reply.Type)
	assert.Equal(t, float64(13), reply.Data.(map[string]any)["session_id"], "another user must not reuse the first session")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat", Content: "back", UserID: &user}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, float64(11), reply.Data.(map[string]any)["session_id"])

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat", Content: "no user"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}
