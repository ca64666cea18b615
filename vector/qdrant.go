package vector

import (
	"context"
	"fmt"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore backs one named collection with a Qdrant server — the primary
// vector-store backend for both long_term_memory and rules_memory, matching
// the wider example pack's use of github.com/qdrant/go-client for semantic
// memory.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	dimension  uint64
}

// NewQdrantStore connects to a Qdrant instance and ensures the named
// collection exists, creating it with the given vector dimension if not.
func NewQdrantStore(ctx context.Context, host string, port int, collection string, dimension uint64, embedder Embedder) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant connect: %w", err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant collection exists: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dimension,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("vector: qdrant create collection %s: %w", collection, err)
		}
		log.Log.Infof("[Vector] created Qdrant collection %q (dim %d)", collection, dimension)
	}

	return &QdrantStore{client: client, collection: collection, embedder: embedder, dimension: dimension}, nil
}

// Add implements Store.
func (q *QdrantStore) Add(ctx context.Context, rec Record) error {
	if len(rec.Vector) == 0 && q.embedder != nil {
		vec, err := q.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return fmt.Errorf("vector: qdrant embed %q: %w", rec.ID, err)
		}
		rec.Vector = vec
	}

	payload := map[string]any{"text": rec.Text}
	for k, v := range rec.Metadata {
		payload[k] = v
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(rec.ID),
				Vectors: qdrant.NewVectors(rec.Vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant upsert %q: %w", rec.ID, err)
	}
	return nil
}

// Search implements Store: embeds the query, runs a filtered vector query,
// returns scored hits.
func (q *QdrantStore) Search(ctx context.Context, query string, n int, filter map[string]string) ([]SearchResult, error) {
	if q.embedder == nil {
		return nil, fmt.Errorf("vector: qdrant search: no embedder configured")
	}
	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant embed query: %w", err)
	}

	var qdrantFilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			conditions = append(conditions, qdrant.NewMatch(k, v))
		}
		qdrantFilter = &qdrant.Filter{Must: conditions}
	}

	limit := uint64(n)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Filter:         qdrantFilter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant query: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		meta := map[string]string{}
		text := ""
		for k, v := range p.GetPayload() {
			s := v.GetStringValue()
			if k == "text" {
				text = s
			} else {
				meta[k] = s
			}
		}
		results = append(results, SearchResult{
			Record: Record{ID: p.GetId().GetUuid(), Text: text, Metadata: meta},
			Score:  p.GetScore(),
		})
	}
	return results, nil
}

// Exists implements Store.
func (q *QdrantStore) Exists(ctx context.Context, id string) (bool, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
	})
	if err != nil {
		return false, fmt.Errorf("vector: qdrant exists %q: %w", id, err)
	}
	return len(points) > 0, nil
}

// DeleteSession implements Store.
func (q *QdrantStore) DeleteSession(ctx context.Context, sessionUUID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("session_id", sessionUUID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant delete session %s: %w", sessionUUID, err)
	}
	return nil
}
