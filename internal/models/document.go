package models

import "time"

// FileType is the normalized category of an ingested file.
type FileType string

const (
	FileTypePDF       FileType = "pdf"
	FileTypePlainText FileType = "plain-text"
)

// Page is a crawled web page before it is turned into a plain-text upload.
type Page struct {
	URL      string
	Title    string
	Content  string
	Metadata map[string]interface{}
}

// Chunk is a bounded span of extracted text plus its positional metadata.
type Chunk struct {
	Text     string        `json:"page_content"`
	Metadata ChunkMetadata `json:"metadata"`
}

type ChunkMetadata struct {
	Source      string    `json:"source"`
	FileType    FileType  `json:"file_type"`
	FileID      string    `json:"file_id"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	ChunkSize   int       `json:"chunk_size"`
	OwnerID     *int64    `json:"user_id"`
	CreatedAt   time.Time `json:"timestamp"`
	Loc         Location  `json:"loc"`
}

// Location holds the advisory line span of a chunk. It is estimated from
// character counts and is not exact.
type Location struct {
	Lines LineRange `json:"lines"`
}

type LineRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ScoredChunk is a stored chunk returned by a similarity search.
type ScoredChunk struct {
	Chunk
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

// FileUpload is one file handed to ingestion.
type FileUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}
