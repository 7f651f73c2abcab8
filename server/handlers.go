package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
	"github.com/xhad/ragchat/pkg/ingest"
)

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
}

type createSessionRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

type messageRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	SessionID *int64 `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

type messageResponse struct {
	AIResponse string `json:"ai_response"`
	SessionID  int64  `json:"session_id"`
}

type searchRequest struct {
	Query  string `json:"query" binding:"required"`
	K      int    `json:"k"`
	UserID *int64 `json:"user_id"`
}

func invalid(op string, err error) error {
	return apperr.E(apperr.InvalidArgument, op, "invalid request", err)
}

func paramID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperr.E(apperr.InvalidArgument, "server", fmt.Sprintf("%s must be an integer", name), nil)
	}
	return id, nil
}

func optionalInt64(c *gin.Context, name string) (*int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.E(apperr.InvalidArgument, "server", fmt.Sprintf("%s must be an integer", name), nil)
	}
	return &v, nil
}

func optionalInt(c *gin.Context, name string) (*int, error) {
	v, err := optionalInt64(c, name)
	if err != nil || v == nil {
		return nil, err
	}
	n := int(*v)
	return &n, nil
}

func (s *Server) root(c *gin.Context) {
	respondOK(c, gin.H{"message": "RAG chat API", "version": "1.0.0"})
}

func (s *Server) health(c *gin.Context) {
	respondOK(c, gin.H{"status": "healthy"})
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalid("server.createUser", err))
		return
	}
	user, err := s.deps.Chat.CreateUser(c.Request.Context(), req.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (s *Server) getUser(c *gin.Context) {
	id, err := paramID(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	user, err := s.deps.Chat.GetUser(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalid("server.createSession", err))
		return
	}
	session, err := s.deps.Chat.CreateSession(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

func (s *Server) listSessions(c *gin.Context) {
	id, err := paramID(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	sessions, err := s.deps.Chat.ListSessions(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sessions)
}

func (s *Server) listMessages(c *gin.Context) {
	id, err := paramID(c, "session_id")
	if err != nil {
		respondError(c, err)
		return
	}
	messages, err := s.deps.Chat.ListMessages(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, messages)
}

// respond asks the agent for a reply. Agent failures become the reply text
// so the exchange is still recorded.
func (s *Server) respond(ctx context.Context, text string, history []models.Turn) (string, error) {
	reply, err := s.deps.Agent.Respond(ctx, text, history)
	if err != nil {
		s.log.Error().Err(err).Msg("Agent failed")
		return fmt.Sprintf("I encountered an error: %v", err), nil
	}
	return reply, nil
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalid("server.sendMessage", err))
		return
	}
	ex, err := s.deps.Chat.Converse(c.Request.Context(), req.UserID, req.SessionID, req.Message, s.respond)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, messageResponse{AIResponse: ex.Reply.MessageText, SessionID: ex.SessionID})
}

func (s *Server) uploadDocuments(c *gin.Context) {
	const op = "server.uploadDocuments"
	owner, err := optionalInt64(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	chunkSize, err := optionalInt(c, "chunk_size")
	if err != nil {
		respondError(c, err)
		return
	}
	chunkOverlap, err := optionalInt(c, "chunk_overlap")
	if err != nil {
		respondError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apperr.E(apperr.InvalidArgument, op,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), nil))
			return
		}
		respondError(c, invalid(op, err))
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		respondError(c, apperr.E(apperr.InvalidArgument, op, "no files uploaded", nil))
		return
	}

	files := make([]models.FileUpload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			respondError(c, invalid(op, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(c, invalid(op, err))
			return
		}
		files = append(files, models.FileUpload{
			Filename:    h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	opts := ingest.UploadOptions{OwnerID: owner, ChunkOverlap: chunkOverlap}
	if chunkSize != nil {
		opts.ChunkSize = *chunkSize
	}
	summary, err := s.deps.Ingest.Upload(c.Request.Context(), files, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, summary)
}

func (s *Server) searchDocuments(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalid("server.searchDocuments", err))
		return
	}
	if req.K <= 0 {
		req.K = 4
	}
	results, err := s.deps.Ingest.Search(c.Request.Context(), req.Query, req.K, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"query": req.Query, "results": results})
}

func (s *Server) documentStats(c *gin.Context) {
	owner, err := optionalInt64(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, s.deps.Ingest.Stats(c.Request.Context(), owner))
}

func (s *Server) clearDocuments(c *gin.Context) {
	owner, err := optionalInt64(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	deleted, err := s.deps.Ingest.Clear(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	message := "Cleared all documents"
	if owner != nil {
		message = fmt.Sprintf("Cleared documents for user %d", *owner)
	}
	respondOK(c, gin.H{"message": message, "status": "success", "deleted": deleted})
}
