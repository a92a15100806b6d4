package providers

import (
	"context"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

// KnowledgeIndex is the black-box semantic search service
type KnowledgeIndex interface {
	Search(ctx context.Context, query string, limit int) ([]entities.SearchHit, error)
}
