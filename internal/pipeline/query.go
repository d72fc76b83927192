package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bdougie/framesearch/internal/descriptor"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
)

// TopK resolves a requested result count against the configured default
// and ceiling.
func (p *Processor) TopK(k int) int {
	if k <= 0 {
		return p.cfg.DefaultTopK
	}
	return min(k, p.cfg.MaxTopK)
}

// Query ranks indexed frames by similarity to the uploaded image. Every
// failure is reported as a retrieval error wrapping the cause.
func (p *Processor) Query(ctx context.Context, r io.Reader, filename string, k int) ([]models.Match, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "query")
	defer span.End()

	k = p.TopK(k)
	span.SetAttributes(
		attribute.String("index.collection", p.cfg.Collection),
		attribute.Int("query.k", k),
	)
	log := p.logger.With("image", filename, "collection", p.cfg.Collection, "k", k)

	matches, err := p.query(ctx, r, filename, k)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		log.Error("query failed", "error", err)
		return nil, models.Wrap(models.KindRetrieval, "pipeline.query", err)
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	metrics.StageDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("query.matches", len(matches)))
	log.Info("query served", "matches", len(matches), "elapsed", time.Since(start).Round(time.Millisecond))
	return matches, nil
}

func (p *Processor) query(ctx context.Context, r io.Reader, filename string, k int) ([]models.Match, error) {
	pattern := "query-*" + strings.ToLower(filepath.Ext(filepath.Base(filepath.ToSlash(filename))))
	tmp, err := os.CreateTemp(p.cfg.TempDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return nil, fmt.Errorf("save query image: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	vec, err := descriptor.ComputeReader(tmp)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("query descriptor", "vector", descriptor.String(vec))

	searchStart := time.Now()
	searchCtx, span := otel.Tracer(tracerName).Start(ctx, "index_search")
	matches, err := p.index.Search(searchCtx, p.cfg.Collection, vec, k)
	span.End()
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("index_search").Observe(time.Since(searchStart).Seconds())
	return matches, nil
}
