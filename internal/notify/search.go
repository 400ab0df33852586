package notify

import (
	"context"
	"fmt"
	"sync/atomic"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const searchIndexUID = "docrelay_documents"

type searchRecord struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SearchIndexer keeps a Meilisearch index of the latest plain text of each document.
type SearchIndexer struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	logger  *zap.Logger
}

// NewSearchIndexer creates the client and the index. An unreachable server is logged and retried
// on the next event rather than failing startup.
func NewSearchIndexer(url, apiKey string, logger *zap.Logger) *SearchIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	indexer := &SearchIndexer{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
	}
	indexer.ensureIndex()
	return indexer
}

func (s *SearchIndexer) ensureIndex() bool {
	if _, err := s.client.Health(); err != nil {
		s.logger.Warn("meilisearch unavailable", zap.Error(err))
		s.healthy.Store(false)
		return false
	}
	if _, err := s.client.CreateIndex(&meili.IndexConfig{Uid: searchIndexUID, PrimaryKey: "id"}); err != nil {
		s.logger.Debug("create search index (may already exist)", zap.Error(err))
	}
	s.healthy.Store(true)
	return true
}

// DocumentEdited upserts the document's current text.
func (s *SearchIndexer) DocumentEdited(_ context.Context, event Event) error {
	if !s.healthy.Load() && !s.ensureIndex() {
		return fmt.Errorf("notify: meilisearch unhealthy")
	}
	record := searchRecord{
		ID:        event.DocumentID,
		Version:   event.Version,
		UserID:    event.UserID,
		Content:   event.PlainText,
		UpdatedAt: event.Timestamp.Unix(),
	}
	if _, err := s.client.Index(searchIndexUID).AddDocuments([]searchRecord{record}, nil); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("notify: index document %s: %w", event.DocumentID, err)
	}
	return nil
}
