package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	tsclient "github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/typesense"
)

const queryBy = "title,text"

// Passage is one citable unit of the knowledge index
type Passage struct {
	ID            string   `json:"id"`
	Title         string   `json:"title,omitempty"`
	Text          string   `json:"text"`
	Source        string   `json:"source"`
	Specialties   []string `json:"specialties,omitempty"`
	PublishedYear int      `json:"published_year,omitempty"`
}

// TypesenseAdapter implements the knowledge index over a Typesense passages collection
type TypesenseAdapter struct {
	client *tsclient.Client
	now    func() time.Time
}

// Ensure TypesenseAdapter implements KnowledgeIndex
var _ providers.KnowledgeIndex = (*TypesenseAdapter)(nil)

// NewTypesenseAdapter creates a new Typesense adapter
func NewTypesenseAdapter(client *tsclient.Client) *TypesenseAdapter {
	return &TypesenseAdapter{client: client, now: time.Now}
}

// InitSchema ensures the collection exists
func (a *TypesenseAdapter) InitSchema(ctx context.Context) error {
	return a.client.InitSchema(ctx)
}

// Index upserts a passage
func (a *TypesenseAdapter) Index(ctx context.Context, p Passage) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("passage requires id and text")
	}
	document := map[string]interface{}{
		"id":         p.ID,
		"title":      p.Title,
		"text":       p.Text,
		"source":     p.Source,
		"indexed_at": a.now().Unix(),
	}
	if len(p.Specialties) > 0 {
		document["specialties"] = p.Specialties
	}
	if p.PublishedYear > 0 {
		document["published_year"] = p.PublishedYear
	}

	if err := a.client.IndexDocument(ctx, document); err != nil {
		return fmt.Errorf("failed to index passage: %w", err)
	}
	return nil
}

// Delete removes a passage from the index
func (a *TypesenseAdapter) Delete(ctx context.Context, id string) error {
	_, err := a.client.Client().Collection(a.client.Collection()).Document(id).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete passage from index: %w", err)
	}
	return nil
}

// Search runs a text query and returns hits scored relative to the best match
func (a *TypesenseAdapter) Search(ctx context.Context, query string, limit int) ([]entities.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	searchParams := &api.SearchCollectionParams{
		Q:       pointer.String(query),
		QueryBy: pointer.String(queryBy),
		PerPage: pointer.Int(limit),
	}

	result, err := a.client.Client().Collection(a.client.Collection()).Documents().Search(ctx, searchParams)
	if err != nil {
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}
	if result.Hits == nil {
		return []entities.SearchHit{}, nil
	}

	var best int64
	for _, hit := range *result.Hits {
		if hit.TextMatch != nil && *hit.TextMatch > best {
			best = *hit.TextMatch
		}
	}

	hits := make([]entities.SearchHit, 0, len(*result.Hits))
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		doc := *hit.Document

		// Typesense returns map[string]interface{}, so cast safely
		id, _ := doc["id"].(string)
		text, _ := doc["text"].(string)
		source, _ := doc["source"].(string)
		if id == "" || text == "" {
			continue
		}

		score := 0.0
		if best > 0 && hit.TextMatch != nil {
			score = float64(*hit.TextMatch) / float64(best)
		}
		hits = append(hits, entities.SearchHit{
			Text:     text,
			SourceID: id,
			Source:   source,
			Score:    score,
		})
	}

	return hits, nil
}
