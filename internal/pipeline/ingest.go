// Package pipeline wires sampling, descriptor computation, asset storage and
// the similarity index into the ingest and query operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bdougie/framesearch/internal/descriptor"
	"github.com/bdougie/framesearch/internal/extractor"
	"github.com/bdougie/framesearch/internal/index"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

const tracerName = "github.com/bdougie/framesearch/internal/pipeline"

// cleanupTimeout bounds asset removal after a failed ingestion.
const cleanupTimeout = 30 * time.Second

// Config holds the pipeline settings taken from the service configuration.
type Config struct {
	Collection         string
	TempDir            string
	SampleInterval     time.Duration
	AcceptedExtensions []string
	FrameFormat        extractor.FrameFormat
	DefaultTopK        int
	MaxTopK            int
	DecodeTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.Collection == "" {
		c.Collection = models.DefaultCollection
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if len(c.AcceptedExtensions) == 0 {
		c.AcceptedExtensions = []string{".mp4"}
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.MaxTopK < c.DefaultTopK {
		c.MaxTopK = max(c.DefaultTopK, 100)
	}
}

type Processor struct {
	index  index.Index
	store  storage.Store
	pool   *descriptor.Pool
	open   extractor.Opener
	cfg    Config
	logger *slog.Logger
}

func NewProcessor(idx index.Index, store storage.Store, pool *descriptor.Pool, open extractor.Opener, cfg Config, logger *slog.Logger) *Processor {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		index:  idx,
		store:  store,
		pool:   pool,
		open:   open,
		cfg:    cfg,
		logger: logger,
	}
}

// Collection returns the collection the processor reads and writes.
func (p *Processor) Collection() string {
	return p.cfg.Collection
}

// Index returns the index backing the processor.
func (p *Processor) Index() index.Index {
	return p.index
}

// Store returns the asset store backing the processor.
func (p *Processor) Store() storage.Store {
	return p.store
}

func (p *Processor) accepts(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext != "" && slices.Contains(p.cfg.AcceptedExtensions, ext)
}

// pendingFrame is a sampled frame waiting for its descriptor.
type pendingFrame struct {
	frame  extractor.SampledFrame
	result <-chan descriptor.Result
}

// Ingest stores the uploaded video, samples it and indexes one record per
// sampled frame. Frames whose asset or descriptor fails are skipped and
// counted.
func (p *Processor) Ingest(ctx context.Context, r io.Reader, filename string) (*models.IngestResult, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.filename", filename),
		attribute.String("index.collection", p.cfg.Collection),
	)

	res, err := p.ingest(ctx, r, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, models.KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("frames.sampled", res.Sampled),
		attribute.Int("frames.indexed", res.Indexed),
		attribute.Int("frames.skipped", res.Skipped),
	)
	return res, nil
}

func (p *Processor) ingest(ctx context.Context, r io.Reader, filename string) (*models.IngestResult, error) {
	totalTimer := time.Now()
	name := filepath.Base(filepath.ToSlash(filename))
	if !p.accepts(name) {
		return nil, models.Errorf(models.KindUnsupportedFormat, "pipeline.ingest",
			"unsupported file format %q, accepted: %s", filepath.Ext(name), strings.Join(p.cfg.AcceptedExtensions, ", "))
	}

	log := p.logger.With("video", name, "collection", p.cfg.Collection)

	metrics.ActiveIngestions.Inc()
	defer metrics.ActiveIngestions.Dec()

	workDir := filepath.Join(p.cfg.TempDir, uuid.NewString())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Spool the upload so ffmpeg can seek in it.
	localPath := filepath.Join(workDir, "input"+strings.ToLower(filepath.Ext(name)))
	size, err := spool(ctx, r, localPath)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}

	videoRef, err := p.persistVideo(ctx, localPath, name, size)
	if err != nil {
		log.Error("failed to store video", "error", err)
		return nil, fmt.Errorf("store video: %w", err)
	}
	log = log.With("video_ref", videoRef)
	log.Debug("video stored", "bytes", size)

	// Assets written by a request that fails are removed again; nothing
	// was indexed for them.
	var frameRefs []string
	indexed := false
	defer func() {
		if !indexed {
			p.discard(ctx, log, videoRef, frameRefs)
		}
	}()

	records, res, err := p.sample(ctx, localPath, videoRef, &frameRefs, log)
	if err != nil {
		return nil, err
	}

	if len(records) > 0 {
		insStart := time.Now()
		insCtx, insSpan := otel.Tracer(tracerName).Start(ctx, "index_insert")
		insSpan.SetAttributes(attribute.Int("records", len(records)))
		err := p.index.Insert(insCtx, p.cfg.Collection, records)
		insSpan.End()
		if err != nil {
			log.Error("failed to insert frames", "error", err, "records", len(records))
			return nil, err
		}
		metrics.StageDuration.WithLabelValues("index_insert").Observe(time.Since(insStart).Seconds())
	}
	indexed = true

	res.Indexed = len(records)
	metrics.FramesIndexedTotal.Add(float64(res.Indexed))
	metrics.FramesSkippedTotal.Add(float64(res.Skipped))
	metrics.StageDuration.WithLabelValues("ingest").Observe(time.Since(totalTimer).Seconds())

	log.Info("video ingested",
		"sampled", res.Sampled,
		"indexed", res.Indexed,
		"skipped", res.Skipped,
		"elapsed", time.Since(totalTimer).Round(time.Millisecond))
	return res, nil
}

// sample decodes the local video, stores every kept frame and computes the
// descriptors. No record is returned before all descriptors are done. The
// ref of every stored frame is appended to written.
func (p *Processor) sample(ctx context.Context, videoPath, videoRef string, written *[]string, log *slog.Logger) ([]models.FrameRecord, *models.IngestResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sample")
	defer span.End()

	decodeCtx := ctx
	if p.cfg.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(ctx, p.cfg.DecodeTimeout)
		defer cancel()
	}

	dec, err := p.open(decodeCtx, videoPath)
	if err != nil {
		return nil, nil, p.decodeFailure(ctx, decodeCtx, err)
	}
	sampler, err := extractor.NewSampler(decodeCtx, dec, p.cfg.SampleInterval, p.store, p.cfg.FrameFormat)
	if err != nil {
		dec.Close()
		return nil, nil, err
	}
	defer sampler.Close()

	res := &models.IngestResult{Video: videoRef}
	var pending []pendingFrame

loop:
	for {
		frame, err := sampler.Next()
		var frameErr *extractor.FrameError
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			break loop
		case errors.As(err, &frameErr):
			res.Sampled++
			res.Skipped++
			metrics.FramesSampledTotal.Inc()
			log.Warn("skipping frame", "frame", frameErr.Index, "error", frameErr.Err)
			continue
		case res.Sampled == 0:
			return nil, nil, p.decodeFailure(ctx, decodeCtx, err)
		default:
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			// Keep what was decoded before the stream broke.
			log.Warn("video stream ended early", "decoded", sampler.Decoded(), "error", err)
			break loop
		}

		res.Sampled++
		metrics.FramesSampledTotal.Inc()
		*written = append(*written, frame.AssetRef)
		ch, err := p.pool.Submit(ctx, frame.Image)
		if err != nil {
			return nil, nil, fmt.Errorf("submit frame %d: %w", frame.Index, err)
		}
		frame.Image = nil
		pending = append(pending, pendingFrame{frame: frame, result: ch})
	}

	records := make([]models.FrameRecord, 0, len(pending))
	for _, pf := range pending {
		var result descriptor.Result
		select {
		case result = <-pf.result:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if result.Error != nil {
			res.Skipped++
			log.Warn("skipping frame", "frame", pf.frame.Index, "error", result.Error)
			p.remove(ctx, log, storage.KindFrame, pf.frame.AssetRef)
			continue
		}
		records = append(records, models.FrameRecord{
			ID:          pf.frame.ID,
			AssetRef:    pf.frame.AssetRef,
			Video:       videoRef,
			FrameIndex:  pf.frame.Index,
			TimestampMS: pf.frame.TimestampMS,
			Vector:      result.Vector,
		})
	}

	span.SetAttributes(
		attribute.Int("frames.decoded", sampler.Decoded()),
		attribute.Int("frames.stride", sampler.Stride()),
	)
	metrics.StageDuration.WithLabelValues("sample").Observe(time.Since(start).Seconds())
	return records, res, nil
}

// decodeFailure turns an error raised before the first frame into a
// malformed video error, unless the request itself was cancelled.
func (p *Processor) decodeFailure(ctx, decodeCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(decodeCtx.Err(), context.DeadlineExceeded) {
		return &models.Error{
			Kind:    models.KindMalformedVideo,
			Op:      "pipeline.ingest",
			Message: fmt.Sprintf("video decoding exceeded %s", p.cfg.DecodeTimeout),
			Err:     err,
		}
	}
	var e *models.Error
	if errors.As(err, &e) {
		return err
	}
	return &models.Error{
		Kind:    models.KindMalformedVideo,
		Op:      "pipeline.ingest",
		Message: "video stream could not be read",
		Err:     err,
	}
}

// persistVideo copies the spooled upload into the asset store.
func (p *Processor) persistVideo(ctx context.Context, localPath, name string, size int64) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return p.store.Put(ctx, storage.KindVideo, name, f, size)
}

// discard removes the assets of a failed ingestion. It runs after the
// request context may have been cancelled.
func (p *Processor) discard(ctx context.Context, log *slog.Logger, videoRef string, frameRefs []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for _, ref := range frameRefs {
		p.remove(ctx, log, storage.KindFrame, ref)
	}
	p.remove(ctx, log, storage.KindVideo, videoRef)
	log.Debug("discarded assets of failed ingestion", "frames", len(frameRefs))
}

func (p *Processor) remove(ctx context.Context, log *slog.Logger, kind storage.AssetKind, ref string) {
	err := p.store.Delete(ctx, kind, ref)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Warn("failed to remove asset", "kind", kind, "ref", ref, "error", err)
	}
}

// spool copies r into path and returns the number of bytes written.
func spool(ctx context.Context, r io.Reader, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
