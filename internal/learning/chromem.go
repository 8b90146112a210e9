package learning

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// embeddingDims is the size of the hashed bag-of-words vectors.
	embeddingDims = 512
	// lookupLimit is how many similar outcomes a lookup returns.
	lookupLimit = 3
	// minSimilarity drops matches that share almost no vocabulary.
	minSimilarity = 0.15
)

var learningTracer = otel.Tracer("github.com/fyrsmithlabs/overseer/internal/learning")

// ChromemStore keeps outcomes in an embedded chromem-go collection.
//
// Vectors come from a local feature-hashing embedder so the store works
// without an embedding service. Similar wording scores as similar; it does
// not capture meaning beyond shared terms.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemStore opens the store at cfg.Path. An empty path keeps the
// collection in memory.
func NewChromemStore(cfg config.LearningConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	name := cfg.Collection
	if name == "" {
		name = "outcomes"
	}
	collection, err := db.GetOrCreateCollection(name, nil, HashEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	logger.Info("learning store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", name),
		zap.Int("documents", collection.Count()),
	)
	return &ChromemStore{db: db, collection: collection, logger: logger}, nil
}

// Record implements Store. Re-recording an execution replaces its entry.
func (s *ChromemStore) Record(ctx context.Context, o Outcome) error {
	ctx, span := learningTracer.Start(ctx, "learning.Record")
	defer span.End()

	if o.ExecutionID == "" {
		return fmt.Errorf("outcome has no execution id")
	}
	doc := chromem.Document{
		ID:      string(o.Kind) + ":" + o.ExecutionID,
		Content: describe(o),
		Metadata: map[string]string{
			"kind":      string(o.Kind),
			"status":    o.Status,
			"stop_kind": string(o.StopKind),
			"score":     strconv.Itoa(o.Score),
		},
	}
	span.SetAttributes(attribute.String("document.id", doc.ID))

	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("adding outcome: %w", err)
	}
	s.logger.Debug("recorded outcome", zap.String("id", doc.ID), zap.String("status", o.Status))
	return nil
}

// Lookup implements Store.
func (s *ChromemStore) Lookup(ctx context.Context, objective string) (string, error) {
	ctx, span := learningTracer.Start(ctx, "learning.Lookup")
	defer span.End()

	count := s.collection.Count()
	if count == 0 || strings.TrimSpace(objective) == "" {
		return "", nil
	}
	k := lookupLimit
	if count < k {
		k = count
	}

	results, err := s.collection.Query(ctx, objective, k, nil, nil)
	if err != nil {
		return "", fmt.Errorf("querying outcomes: %w", err)
	}
	span.SetAttributes(attribute.Int("results", len(results)))

	var b strings.Builder
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Prior experience with similar objectives:\n")
		}
		fmt.Fprintf(&b, "\n%s", r.Content)
	}
	return b.String(), nil
}

// HashEmbedding is a chromem.EmbeddingFunc that hashes lowercased word
// tokens into a fixed-size, L2-normalized vector.
func HashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[sum%embeddingDims] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
