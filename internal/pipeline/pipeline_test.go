package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/descriptor"
	"github.com/bdougie/framesearch/internal/extractor"
	"github.com/bdougie/framesearch/internal/index"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

// syntheticVideo decodes n frames of a solid colour at fps.
type syntheticVideo struct {
	fps     float64
	n       int
	c       color.RGBA
	failAt  int
	pos     int
	w, h    int
	lastErr error

	// cancel is called when the frame at position cancelAt is decoded.
	cancel   context.CancelFunc
	cancelAt int
}

func (v *syntheticVideo) FrameRate() float64 { return v.fps }

func (v *syntheticVideo) Next() (image.Image, error) {
	if v.failAt > 0 && v.pos == v.failAt-1 {
		v.lastErr = errors.New("corrupt packet")
		return nil, v.lastErr
	}
	if v.pos >= v.n {
		return nil, io.EOF
	}
	v.pos++
	if v.cancel != nil && v.pos == v.cancelAt {
		v.cancel()
	}
	return solid(v.w, v.h, v.c), nil
}

func (v *syntheticVideo) Close() error { return nil }

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openerFor(videos ...*syntheticVideo) extractor.Opener {
	i := 0
	return func(ctx context.Context, path string) (extractor.Decoder, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		v := videos[i]
		i++
		return v, nil
	}
}

type flakyStore struct {
	storage.Store
	frameCalls int
	failFrame  int
}

func (s *flakyStore) Put(ctx context.Context, kind storage.AssetKind, name string, r io.Reader, size int64) (string, error) {
	if kind == storage.KindFrame {
		s.frameCalls++
		if s.frameCalls == s.failFrame {
			return "", errors.New("quota exceeded")
		}
	}
	return s.Store.Put(ctx, kind, name, r, size)
}

type failingIndex struct{ index.Index }

func (failingIndex) Insert(ctx context.Context, name string, records []models.FrameRecord) error {
	return models.Errorf(models.KindIndexUnavailable, "index.insert", "connection refused")
}

type fixture struct {
	proc    *Processor
	idx     *index.Memory
	store   storage.Store
	root    string
	tempDir string
}

func newFixture(t *testing.T, open extractor.Opener, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	root := t.TempDir()
	tempDir := filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(tempDir, 0755))

	var store storage.Store = storage.NewFS(filepath.Join(root, "uploaded_videos"), filepath.Join(root, "frames"))
	if wrap != nil {
		store = wrap(store)
	}

	idx := index.NewMemory()
	require.NoError(t, idx.EnsureCollection(context.Background(), models.DefaultCollection, descriptor.Schema, index.EnsureOptions{}))

	pool := descriptor.NewPool(2)
	t.Cleanup(pool.Close)

	proc := NewProcessor(idx, store, pool, open, Config{
		TempDir:       tempDir,
		DecodeTimeout: time.Minute,
	}, nil)
	return &fixture{proc: proc, idx: idx, store: store, root: root, tempDir: tempDir}
}

// assertNoAssets checks that neither asset directory holds a file.
func (f *fixture) assertNoAssets(t *testing.T) {
	t.Helper()
	for _, dir := range []string{"uploaded_videos", "frames"} {
		entries, err := os.ReadDir(filepath.Join(f.root, dir))
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func (f *fixture) assertTempEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestSolidRedVideo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openerFor(&syntheticVideo{fps: 30, n: 60, c: red, w: 32, h: 24}), nil)

	res, err := f.proc.Ingest(ctx, strings.NewReader("fake mp4 bytes"), "red.mp4")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 2, res.Sampled)
	assert.Zero(t, res.Skipped)
	assert.True(t, strings.HasSuffix(res.Video, "uploaded_videos/red.mp4"), res.Video)

	n, err := f.idx.Count(ctx, models.DefaultCollection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.assertTempEmpty(t)

	matches, err := f.proc.Query(ctx, bytes.NewReader(pngBytes(t, solid(32, 24, red))), "q.png", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.GreaterOrEqual(t, matches[0].Score, float32(0.99))
	assert.Equal(t, res.Video, matches[0].Video)
	assert.ElementsMatch(t, []int{0, 30}, []int{matches[0].FrameIndex, matches[1].FrameIndex})
	f.assertTempEmpty(t)
}

func TestQueryRoundTripsStoredFrame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openerFor(
		&syntheticVideo{fps: 1, n: 1, c: red, w: 16, h: 16},
		&syntheticVideo{fps: 1, n: 1, c: blue, w: 16, h: 16},
	), nil)

	_, err := f.proc.Ingest(ctx, strings.NewReader("a"), "red.mp4")
	require.NoError(t, err)
	_, err = f.proc.Ingest(ctx, strings.NewReader("b"), "blue.mp4")
	require.NoError(t, err)

	all, err := f.proc.Query(ctx, bytes.NewReader(pngBytes(t, solid(16, 16, blue))), "q.png", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	blueRef := all[0].AssetRef

	asset, err := f.store.Open(ctx, storage.KindFrame, blueRef)
	require.NoError(t, err)
	data, err := io.ReadAll(asset)
	asset.Close()
	require.NoError(t, err)

	matches, err := f.proc.Query(ctx, bytes.NewReader(data), filepath.Base(blueRef), 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, blueRef, matches[0].AssetRef)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
	assert.Less(t, matches[1].Score, matches[0].Score)
}

func TestIngestUnsupportedFormat(t *testing.T) {
	f := newFixture(t, openerFor(), nil)

	for _, name := range []string{"clip.avi", "clip", "mp4"} {
		_, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), name)
		assert.ErrorIs(t, err, models.ErrUnsupportedFormat, name)
	}
	f.assertTempEmpty(t)
}

func TestIngestAcceptsUpperCaseExtension(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 10, n: 10, c: red, w: 8, h: 8}), nil)

	res, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "CLIP.MP4")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
}

func TestIngestMalformedVideo(t *testing.T) {
	tests := []struct {
		name string
		open extractor.Opener
	}{
		{"open fails", func(ctx context.Context, path string) (extractor.Decoder, error) {
			return nil, errors.New("moov atom not found")
		}},
		{"zero frame rate", openerFor(&syntheticVideo{fps: 0, n: 10, c: red, w: 8, h: 8})},
		{"first frame fails", openerFor(&syntheticVideo{fps: 30, n: 10, c: red, w: 8, h: 8, failAt: 1})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.open, nil)
			_, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "bad.mp4")
			assert.ErrorIs(t, err, models.ErrMalformedVideo)
			f.assertTempEmpty(t)

			n, err := f.idx.Count(context.Background(), models.DefaultCollection)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestIngestKeepsFramesBeforeStreamError(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 1, n: 10, c: red, w: 8, h: 8, failAt: 4}), nil)

	res, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "cut.mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
}

func TestIngestEmptyVideo(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 30, n: 0, w: 8, h: 8}), nil)

	res, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "empty.mp4")
	require.NoError(t, err)
	assert.Zero(t, res.Indexed)
	assert.Zero(t, res.Sampled)
}

func TestIngestSkipsFailedFrames(t *testing.T) {
	f := newFixture(t,
		openerFor(&syntheticVideo{fps: 1, n: 4, c: red, w: 8, h: 8}),
		func(s storage.Store) storage.Store { return &flakyStore{Store: s, failFrame: 2} },
	)

	res, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "flaky.mp4")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sampled)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 1, res.Skipped)

	matches, err := f.idx.Search(context.Background(), models.DefaultCollection, mustCompute(t, solid(8, 8, red)), 10)
	require.NoError(t, err)
	var frames []int
	for _, m := range matches {
		frames = append(frames, m.FrameIndex)
	}
	assert.ElementsMatch(t, []int{0, 2, 3}, frames)
}

func TestIngestInsertFailureRemovesAssets(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 30, n: 60, c: red, w: 8, h: 8}), nil)
	f.proc.index = failingIndex{Index: f.idx}

	_, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "clip.mp4")
	assert.ErrorIs(t, err, models.ErrIndexUnavailable)
	f.assertNoAssets(t)
	f.assertTempEmpty(t)
}

func TestIngestMissingCollectionRemovesAssets(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 30, n: 60, c: red, w: 8, h: 8}), nil)
	f.proc.index = index.NewMemory()

	_, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "clip.mp4")
	assert.ErrorIs(t, err, models.ErrNotFound)
	f.assertNoAssets(t)
}

func TestIngestCancelledWhileSamplingRemovesAssets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, openerFor(&syntheticVideo{fps: 1, n: 10, c: red, w: 8, h: 8, cancel: cancel, cancelAt: 3}), nil)

	_, err := f.proc.Ingest(ctx, strings.NewReader("x"), "clip.mp4")
	assert.ErrorIs(t, err, context.Canceled)
	f.assertNoAssets(t)
	f.assertTempEmpty(t)
}

func TestIngestKeepsAssetsOnSuccess(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 1, n: 3, c: red, w: 8, h: 8}), nil)

	_, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "clip.mp4")
	require.NoError(t, err)

	frames, err := os.ReadDir(filepath.Join(f.root, "frames"))
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.FileExists(t, filepath.Join(f.root, "uploaded_videos", "clip.mp4"))
}

func TestIngestSampledMetricCountsSkippedFrames(t *testing.T) {
	f := newFixture(t,
		openerFor(&syntheticVideo{fps: 1, n: 4, c: red, w: 8, h: 8}),
		func(s storage.Store) storage.Store { return &flakyStore{Store: s, failFrame: 1} },
	)

	before := testutil.ToFloat64(metrics.FramesSampledTotal)
	res, err := f.proc.Ingest(context.Background(), strings.NewReader("x"), "flaky.mp4")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sampled)
	assert.Equal(t, float64(res.Sampled), testutil.ToFloat64(metrics.FramesSampledTotal)-before)
}

func TestIngestCancelled(t *testing.T) {
	f := newFixture(t, openerFor(&syntheticVideo{fps: 1, n: 4, c: red, w: 8, h: 8}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.proc.Ingest(ctx, strings.NewReader("x"), "clip.mp4")
	assert.ErrorIs(t, err, context.Canceled)
	f.assertTempEmpty(t)
}

func TestQueryEmptyCollection(t *testing.T) {
	f := newFixture(t, openerFor(), nil)

	matches, err := f.proc.Query(context.Background(), bytes.NewReader(pngBytes(t, solid(4, 4, red))), "q.png", 5)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
	f.assertTempEmpty(t)
}

func TestQueryRejectsGarbage(t *testing.T) {
	f := newFixture(t, openerFor(), nil)

	_, err := f.proc.Query(context.Background(), strings.NewReader("not an image"), "q.png", 5)
	assert.ErrorIs(t, err, models.ErrRetrieval)
	assert.ErrorIs(t, err, models.ErrDecode)
	f.assertTempEmpty(t)
}

func TestTopK(t *testing.T) {
	f := newFixture(t, openerFor(), nil)
	assert.Equal(t, 5, f.proc.TopK(0))
	assert.Equal(t, 5, f.proc.TopK(-3))
	assert.Equal(t, 7, f.proc.TopK(7))
	assert.Equal(t, 100, f.proc.TopK(1000))
}

func mustCompute(t *testing.T, img image.Image) []float32 {
	t.Helper()
	vec, err := descriptor.Compute(img)
	require.NoError(t, err)
	return vec
}
