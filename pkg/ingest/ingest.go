package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/internal/types"
	"github.com/xhad/ragchat/pkg/processor"
	"github.com/xhad/ragchat/pkg/store"
)

type FileStatus string

const (
	StatusSuccess FileStatus = "success"
	StatusError   FileStatus = "error"
)

// UploadOptions overrides the processor settings for one upload. A zero
// ChunkSize or nil ChunkOverlap keeps the configured value.
type UploadOptions struct {
	OwnerID      *int64
	ChunkSize    int
	ChunkOverlap *int
}

type FileResult struct {
	Filename string     `json:"filename"`
	Status   FileStatus `json:"status"`
	Chunks   int        `json:"chunks"`
	Error    string     `json:"error,omitempty"`
}

type BatchSummary struct {
	TotalFiles  int          `json:"total_files"`
	Successful  int          `json:"successful"`
	Failed      int          `json:"failed"`
	TotalChunks int          `json:"total_chunks_added"`
	Results     []FileResult `json:"results"`
}

type Stats struct {
	TotalDocuments int64  `json:"total_documents"`
	UserDocuments  *int64 `json:"user_documents,omitempty"`
}

type Config struct {
	Concurrency int
	OnProgress  func(FileResult)
}

// Service turns uploaded files into stored chunks and answers document
// queries against the vector store.
type Service struct {
	config    Config
	processor *processor.Processor
	store     types.VectorStore
	log       zerolog.Logger
}

func New(proc *processor.Processor, vs types.VectorStore, config Config, log zerolog.Logger) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Service{
		config:    config,
		processor: proc,
		store:     vs,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Upload extracts and chunks every file, then stores all chunks in one
// batch. A file that cannot be read is reported in its result without
// affecting the others; a storage failure fails the whole call.
func (s *Service) Upload(ctx context.Context, files []models.FileUpload, opts UploadOptions) (*BatchSummary, error) {
	proc, err := s.processor.WithOverrides(opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(files))
	chunksByFile := make([][]models.Chunk, len(files))
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result := FileResult{Filename: f.Filename}
			chunks, n, err := proc.ProcessFile(f.Data, f.Filename, f.ContentType, opts.OwnerID)
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				s.log.Warn().Err(err).Str("file", f.Filename).Msg("Skipping file")
			} else {
				result.Status = StatusSuccess
				result.Chunks = n
				chunksByFile[i] = chunks
			}
			results[i] = result

			if s.config.OnProgress != nil {
				progressMu.Lock()
				s.config.OnProgress(result)
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &BatchSummary{TotalFiles: len(files), Results: results}
	var all []models.Chunk
	for i, r := range results {
		if r.Status == StatusSuccess {
			summary.Successful++
			summary.TotalChunks += r.Chunks
			all = append(all, chunksByFile[i]...)
		} else {
			summary.Failed++
		}
	}

	if _, err := s.store.AddBatch(ctx, all); err != nil {
		return nil, err
	}

	s.log.Info().
		Int("files", summary.TotalFiles).
		Int("failed", summary.Failed).
		Int("chunks", summary.TotalChunks).
		Msg("Upload complete")
	return summary, nil
}

// Search returns the k chunks most similar to query, limited to ownerID's
// documents when it is set.
func (s *Service) Search(ctx context.Context, query string, k int, ownerID *int64) ([]models.ScoredChunk, error) {
	var filter *store.Filter
	if ownerID != nil {
		filter = &store.Filter{OwnerID: ownerID}
	}
	return s.store.SimilaritySearch(ctx, query, k, filter)
}

// Stats reports document counts. Count failures are logged and reported
// as zero.
func (s *Service) Stats(ctx context.Context, ownerID *int64) Stats {
	var stats Stats
	total, err := s.store.Count(ctx, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to count documents")
	}
	stats.TotalDocuments = total

	if ownerID != nil {
		n, err := s.store.Count(ctx, ownerID)
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", *ownerID).Msg("Failed to count user documents")
		}
		stats.UserDocuments = &n
	}
	return stats
}

func (s *Service) Clear(ctx context.Context, ownerID *int64) (int64, error) {
	return s.store.Clear(ctx, ownerID)
}
