package types

import (
	"context"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/store"
)

// Core interfaces
type VectorStore interface {
	AddBatch(ctx context.Context, chunks []models.Chunk) ([]int64, error)
	SimilaritySearch(ctx context.Context, query string, k int, filter *store.Filter) ([]models.ScoredChunk, error)
	Count(ctx context.Context, ownerID *int64) (int64, error)
	Clear(ctx context.Context, ownerID *int64) (int64, error)
}

type ChatStore interface {
	CreateUser(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	CreateSession(ctx context.Context, userID int64) (*models.Session, error)
	ListSessions(ctx context.Context, userID int64) ([]models.Session, error)
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
	Converse(ctx context.Context, userID int64, sessionID *int64, text string, respond store.RespondFunc) (*store.Exchange, error)
}

type Responder interface {
	Respond(ctx context.Context, input string, history []models.Turn) (string, error)
}
