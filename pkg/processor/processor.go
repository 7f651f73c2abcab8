package processor

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 200
	DefaultMinChunkSize = 500
	DefaultMaxChunkSize = 2000
	DefaultCharsPerLine = 50
)

type ProcessorConfig struct {
	ChunkSize    int
	// ChunkOverlap nil selects DefaultChunkOverlap. Zero disables overlap.
	ChunkOverlap *int
	MinChunkSize int
	MaxChunkSize int
	// CharsPerLine drives the advisory line range estimate.
	CharsPerLine int
}

// Processor turns uploaded files into chunks. It holds no mutable state and
// is safe for concurrent use.
type Processor struct {
	config ProcessorConfig
	now    func() time.Time
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkOverlap == nil {
		config.ChunkOverlap = intPtr(DefaultChunkOverlap)
	} else {
		config.ChunkOverlap = intPtr(*config.ChunkOverlap)
	}
	if config.MinChunkSize == 0 {
		config.MinChunkSize = DefaultMinChunkSize
	}
	if config.MaxChunkSize == 0 {
		config.MaxChunkSize = DefaultMaxChunkSize
	}
	if config.CharsPerLine == 0 {
		config.CharsPerLine = DefaultCharsPerLine
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Processor{config: config, now: time.Now}, nil
}

func (c ProcessorConfig) validate() error {
	const op = "processor.NewWithConfig"
	if c.MinChunkSize > c.MaxChunkSize {
		return apperr.E(apperr.ConfigurationError, op,
			fmt.Sprintf("min chunk size %d exceeds max chunk size %d", c.MinChunkSize, c.MaxChunkSize), nil)
	}
	if c.ChunkSize < c.MinChunkSize || c.ChunkSize > c.MaxChunkSize {
		return apperr.E(apperr.ConfigurationError, op,
			fmt.Sprintf("chunk size %d outside [%d, %d]", c.ChunkSize, c.MinChunkSize, c.MaxChunkSize), nil)
	}
	if c.CharsPerLine < 1 {
		return apperr.E(apperr.ConfigurationError, op, "chars per line must be positive", nil)
	}
	return validateSizes(c.ChunkSize, c.Overlap())
}

// Overlap returns the configured overlap, or DefaultChunkOverlap when unset.
func (c ProcessorConfig) Overlap() int {
	if c.ChunkOverlap == nil {
		return DefaultChunkOverlap
	}
	return *c.ChunkOverlap
}

func intPtr(n int) *int {
	return &n
}

// WithOverrides returns a processor using the given chunk size and overlap.
// A zero chunk size or nil overlap keeps the current setting, so an overlap
// of zero is a real override. The result is validated like any other
// configuration.
func (p *Processor) WithOverrides(chunkSize int, chunkOverlap *int) (*Processor, error) {
	if chunkSize == 0 && chunkOverlap == nil {
		return p, nil
	}
	config := p.config
	if chunkSize != 0 {
		config.ChunkSize = chunkSize
	}
	if chunkOverlap != nil {
		config.ChunkOverlap = intPtr(*chunkOverlap)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Processor{config: config, now: p.now}, nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

func (p *Processor) Split(text string) []string {
	return split([]rune(text), p.config.ChunkSize, p.config.Overlap())
}

// BuildMetadata attaches source and position metadata to the chunks of one
// file. All chunks share a freshly generated file id.
func (p *Processor) BuildMetadata(chunks []string, filename string, fileType models.FileType, ownerID *int64) []models.Chunk {
	fileID := uuid.NewString()
	createdAt := p.now().UTC()
	linesPerChunk := p.config.ChunkSize / p.config.CharsPerLine

	out := make([]models.Chunk, 0, len(chunks))
	for i, text := range chunks {
		size := utf8.RuneCountInString(text)
		from := i * linesPerChunk
		out = append(out, models.Chunk{
			Text: text,
			Metadata: models.ChunkMetadata{
				Source:      filename,
				FileType:    fileType,
				FileID:      fileID,
				ChunkIndex:  i,
				TotalChunks: len(chunks),
				ChunkSize:   size,
				OwnerID:     ownerID,
				CreatedAt:   createdAt,
				Loc: models.Location{Lines: models.LineRange{
					From: from,
					To:   from + size/p.config.CharsPerLine,
				}},
			},
		})
	}
	return out
}

// ProcessFile extracts, splits and annotates a single uploaded file.
func (p *Processor) ProcessFile(data []byte, filename, contentType string, ownerID *int64) ([]models.Chunk, int, error) {
	text, fileType, err := p.Extract(data, contentType)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", filename, err)
	}

	chunks := p.Split(text)
	return p.BuildMetadata(chunks, filename, fileType, ownerID), len(chunks), nil
}
