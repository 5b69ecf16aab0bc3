package adjudicate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Napageneral/rolodex/internal/cluster"
	"github.com/Napageneral/rolodex/internal/config"
	"github.com/Napageneral/rolodex/internal/gemini"
	"github.com/Napageneral/rolodex/internal/llm"
	"github.com/Napageneral/rolodex/internal/logging"
)

// DefaultBatchSize is the number of clusters sent per request.
const DefaultBatchSize = 5

// BatchResult is the outcome of one batch. Err is an *Error when the batch
// failed, in which case Verdicts is empty.
type BatchResult struct {
	Index    int
	Clusters []cluster.Cluster
	Verdicts []Verdict
	Err      error
}

// Gateway feeds clusters to an Adjudicator in fixed-size sequential batches.
type Gateway struct {
	adj       Adjudicator
	batchSize int
	logger    *slog.Logger
}

// NewGateway returns a gateway. batchSize < 1 means DefaultBatchSize.
func NewGateway(adj Adjudicator, batchSize int, logger *slog.Logger) *Gateway {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{adj: adj, batchSize: batchSize, logger: logging.OrDiscard(logger)}
}

// Batches returns how many requests clusters will take.
func (g *Gateway) Batches(n int) int {
	return (n + g.batchSize - 1) / g.batchSize
}

// Each adjudicates clusters batch by batch and hands every result to fn,
// including failed ones. It returns early only when ctx is done.
func (g *Gateway) Each(ctx context.Context, clusters []cluster.Cluster, fn func(BatchResult)) error {
	total := g.Batches(len(clusters))
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := i * g.batchSize
		end := min(start+g.batchSize, len(clusters))
		batch := clusters[start:end]

		res := BatchResult{Index: i, Clusters: batch}
		verdicts, err := g.adj.Adjudicate(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Err = &Error{Batch: i, Err: err}
			g.logger.Warn("adjudication failed; batch dropped", "batch", i+1, "of", total, "error", err)
		} else {
			res.Verdicts = verdicts
			g.logger.Debug("batch adjudicated", "batch", i+1, "of", total, "verdicts", len(verdicts))
		}
		fn(res)
	}
	return nil
}

// Run collects every batch result.
func (g *Gateway) Run(ctx context.Context, clusters []cluster.Cluster) ([]BatchResult, error) {
	var out []BatchResult
	err := g.Each(ctx, clusters, func(r BatchResult) { out = append(out, r) })
	return out, err
}

// FromConfig builds the adjudicator selected by cfg.Provider.
func FromConfig(cfg config.AdjudicatorConfig) (Adjudicator, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		client := llm.NewClient(llm.Config{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}, llm.WithRetryMaxAttempts(cfg.RetryAttempts))
		return NewModel(client), nil
	case config.ProviderGemini:
		opts := []gemini.Option{gemini.WithRetries(max(cfg.RetryAttempts-1, 0))}
		if cfg.BaseURL != "" && cfg.BaseURL != config.DefaultBaseURL {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return NewModel(gemini.NewClient(cfg.APIKey, cfg.Model, timeout, opts...)), nil
	case config.ProviderHTTP:
		return NewHTTP(cfg.BaseURL, cfg.APIKey, timeout), nil
	default:
		return nil, fmt.Errorf("unknown adjudicator provider %q", cfg.Provider)
	}
}
