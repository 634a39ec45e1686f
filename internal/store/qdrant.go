package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadGuildField and payloadWindowField name the Qdrant payload keys
// that carry the guild partition and the original window_id, mirroring
// internal/persistence/databases/qdrant_vector.go's PAYLOAD_ID_FIELD
// convention (Qdrant point ids must be UUIDs or integers, so the real
// window_id travels in the payload instead).
const (
	payloadGuildField  = "guild_id"
	payloadWindowField = "window_id"
)

// QdrantVectorStore is the alternate VectorStore backend selected by
// VECTOR_BACKEND=qdrant: embeddings live in a Qdrant collection instead of
// message_embeddings, while every other table stays in Postgres via Store.
// Its MatchWindowsInGuild has the signature internal/retrieval depends on;
// its UpsertEmbedding also takes the guild id, which cmd/syncd's
// vectorAdapter looks up before calling it.
type QdrantVectorStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// OpenQdrantVectorStore connects to Qdrant over its gRPC API (default port
// 6334) and ensures the collection exists with a cosine distance metric,
// matching spec.md §6's HNSW-over-cosine index.
func OpenQdrantVectorStore(dsn, collection string, dimension int) (*QdrantVectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qv := &QdrantVectorStore{client: client, collection: collection, dimension: dimension}
	if err := qv.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return qv, nil
}

func (q *QdrantVectorStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant backend requires a positive embedding dimension")
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection: %w", err)
	}
	return nil
}

// windowPointID maps an application window_id into a Qdrant-legal point id
// (a deterministic UUID derived from the string), exactly as
// internal/persistence/databases/qdrant_vector.go does for arbitrary ids.
func windowPointID(windowID string) string {
	if _, err := uuid.Parse(windowID); err == nil {
		return windowID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(windowID)).String()
}

// UpsertEmbedding writes windowID's embedding into Qdrant, tagged with its
// guild so MatchWindowsInGuild can filter without a Postgres join.
func (q *QdrantVectorStore) UpsertEmbedding(ctx context.Context, windowID, guildID string, vector []float32) error {
	payload := qdrant.NewValueMap(map[string]any{
		payloadWindowField: windowID,
		payloadGuildField:  guildID,
	})
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(windowPointID(windowID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		}},
	})
	return err
}

// MatchWindowsInGuild mirrors Store.MatchWindowsInGuild's contract over
// Qdrant: nearest neighbors by cosine similarity, filtered to one guild,
// limited and ordered exactly like the Postgres RPC.
func (q *QdrantVectorStore) MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]MatchResult, error) {
	if limit <= 0 {
		limit = 200
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	lim := uint64(limit)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadGuildField, guildID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]MatchResult, 0, len(hits))
	for _, h := range hits {
		windowID := ""
		if h.Payload != nil {
			if v, ok := h.Payload[payloadWindowField]; ok {
				windowID = v.GetStringValue()
			}
		}
		out = append(out, MatchResult{WindowID: windowID, Similarity: float64(h.Score)})
	}
	return out, nil
}

func (q *QdrantVectorStore) Close() error { return q.client.Close() }
