// Package embedclient calls an external embedding API with retry, jitter,
// and key rotation across an equivalent-credential pool.
package embedclient

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Embedder converts text into a fixed-length numeric vector. embedWindow and
// embedQuery are both thin callers over EmbedBatch([]string{text}) with
// distinct log labels (see the EmbedWindow/EmbedQuery functions below); both share
// this one interface so callers can be dependency-injected with a fake in
// tests.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds the embedding client's tunables.
type Config struct {
	Model     string
	Dimension int
}

// KeyPool is a set of equivalent API keys, one of which is chosen uniformly
// at random per call (stateless load balancing, no sticky sessions).
type KeyPool struct {
	keys []string
}

// NewKeyPool builds a pool from the configured key list.
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{keys: keys}
}

func (p *KeyPool) pick() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[rand.Intn(len(p.keys))]
}

// clientFactory builds a genai client bound to a specific API key. It is a
// function (rather than a fixed client) so each call can rotate keys.
type clientFactory func(ctx context.Context, apiKey string) (*genai.Client, error)

// Client is the default, genai-backed Embedder.
type Client struct {
	cfg     Config
	keys    *KeyPool
	newClient clientFactory
}

// New builds a Client over the genai SDK.
func New(cfg Config, keys *KeyPool) *Client {
	return &Client{
		cfg:  cfg,
		keys: keys,
		newClient: func(ctx context.Context, apiKey string) (*genai.Client, error) {
			return genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		},
	}
}

func (c *Client) Dimension() int { return c.cfg.Dimension }

// EmbedBatch embeds each text independently (embedding APIs are sensitive to
// batch composition) with up to 10 attempts per text, backoff
// 2^attempt + uniform(0,2) seconds, and key rotation per attempt.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

const maxAttempts = 10

func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		client, err := c.newClient(ctx, c.keys.pick())
		if err != nil {
			lastErr = err
		} else {
			v, err := callEmbed(ctx, client, c.cfg.Model, text, c.cfg.Dimension)
			if err == nil {
				return v, nil
			}
			lastErr = err
			if !isRetryable(err) {
				return nil, err
			}
		}

		wait := time.Duration(math.Pow(2, float64(attempt)))*time.Second + time.Duration(rand.Float64()*2*float64(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func callEmbed(ctx context.Context, client *genai.Client, model, text string, dim int) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{}
	if dim > 0 {
		d := int32(dim)
		cfg.OutputDimensionality = &d
	}
	resp, err := client.Models.EmbedContent(ctx, model, genai.Text(text), cfg)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, errNoEmbedding
	}
	return resp.Embeddings[0].Values, nil
}

var errNoEmbedding = embedErr("embedding response contained no vectors")

type embedErr string

func (e embedErr) Error() string { return string(e) }

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"429", "500", "502", "503", "504", "rate limit", "overloaded", "unavailable", "resource_exhausted", "deadline_exceeded", "fetch failed", "econnreset", "etimedout", "timeout"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// EmbedWindow and EmbedQuery are the two named entry points spec.md
// requires: identical semantics, distinct log labels so operators can
// distinguish ingestion-time from query-time embedding traffic.
func EmbedWindow(ctx context.Context, e Embedder, text string) ([]float32, error) {
	log.Debug().Str("label", "embedWindow").Int("chars", len(text)).Msg("embedding text")
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func EmbedQuery(ctx context.Context, e Embedder, text string) ([]float32, error) {
	log.Debug().Str("label", "embedQuery").Int("chars", len(text)).Msg("embedding text")
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// Deterministic is a seeded, hash-based Embedder with no network calls, for
// tests and local development. It hashes byte 3-grams into a fixed-size
// vector, mirroring the 3-gram FNV hashing scheme used elsewhere in this
// codebase's lineage for deterministic test fixtures.
type Deterministic struct {
	dim  int
	seed uint64
}

// NewDeterministic builds a Deterministic embedder of the given dimension.
func NewDeterministic(dim int, seed uint64) *Deterministic {
	if dim <= 0 {
		dim = 64
	}
	return &Deterministic{dim: dim, seed: seed}
}

func (d *Deterministic) Dimension() int { return d.dim }

func (d *Deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *Deterministic) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
