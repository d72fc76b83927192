package extractor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

// fakeDecoder yields n solid frames at fps.
type fakeDecoder struct {
	fps    float64
	n      int
	pos    int
	err    error
	closed bool
}

func (d *fakeDecoder) FrameRate() float64 { return d.fps }

func (d *fakeDecoder) Next() (image.Image, error) {
	if d.pos >= d.n {
		if d.err != nil {
			return nil, d.err
		}
		return nil, io.EOF
	}
	d.pos++
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
		img.Pix[i+3] = 0xff
	}
	return img, nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return nil
}

type failingStore struct {
	storage.Store
	failAt map[int]bool
	calls  int
}

func (s *failingStore) Put(ctx context.Context, kind storage.AssetKind, name string, r io.Reader, size int64) (string, error) {
	call := s.calls
	s.calls++
	if s.failAt[call] {
		return "", errors.New("disk full")
	}
	return s.Store.Put(ctx, kind, name, r, size)
}

func newStore(t *testing.T) *storage.FS {
	root := t.TempDir()
	return storage.NewFS(filepath.Join(root, "videos"), filepath.Join(root, "frames"))
}

func drain(t *testing.T, s *Sampler) []SampledFrame {
	t.Helper()
	var frames []SampledFrame
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func indices(frames []SampledFrame) []int {
	out := make([]int, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Index)
	}
	return out
}

func TestSamplerStride(t *testing.T) {
	tests := []struct {
		name   string
		fps    float64
		frames int
		want   []int
	}{
		{"shorter than interval", 10, 10, []int{0}},
		{"multiple intervals", 10, 25, []int{0, 10, 20}},
		{"thirty fps", 30, 60, []int{0, 30}},
		{"ntsc rounds up", 29.97, 61, []int{0, 30, 60}},
		{"sub-second rate clamps to one", 0.4, 3, []int{0, 1, 2}},
		{"empty video", 30, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &fakeDecoder{fps: tt.fps, n: tt.frames}
			s, err := NewSampler(context.Background(), dec, time.Second, newStore(t), FormatPNG)
			require.NoError(t, err)

			frames := drain(t, s)
			if tt.want == nil {
				assert.Empty(t, frames)
			} else {
				assert.Equal(t, tt.want, indices(frames))
			}
			assert.Equal(t, tt.frames, s.Decoded())

			require.NoError(t, s.Close())
			assert.True(t, dec.closed)
		})
	}
}

func TestSamplerFrameMetadata(t *testing.T) {
	store := newStore(t)
	s, err := NewSampler(context.Background(), &fakeDecoder{fps: 10, n: 25}, time.Second, store, FormatJPEG)
	require.NoError(t, err)

	frames := drain(t, s)
	require.Len(t, frames, 3)

	seen := map[string]bool{}
	for i, f := range frames {
		assert.Equal(t, int64(i*1000), f.TimestampMS)
		assert.False(t, seen[f.ID], "ids must be unique")
		seen[f.ID] = true

		name := filepath.Base(f.AssetRef)
		assert.True(t, strings.HasPrefix(name, "frame_"), name)
		assert.True(t, strings.HasSuffix(name, ".jpg"), name)
		assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".jpg"), 32)

		asset, err := store.Open(context.Background(), storage.KindFrame, f.AssetRef)
		require.NoError(t, err)
		decoded, _, err := image.Decode(asset)
		asset.Close()
		require.NoError(t, err)
		r, g, b, _ := decoded.At(0, 0).RGBA()
		assert.Greater(t, r, uint32(0xf000))
		assert.Less(t, g, uint32(0x1000))
		assert.Less(t, b, uint32(0x1000))
	}
}

func TestSamplerRejectsBadFrameRate(t *testing.T) {
	for _, fps := range []float64{0, -30} {
		_, err := NewSampler(context.Background(), &fakeDecoder{fps: fps, n: 5}, time.Second, newStore(t), FormatPNG)
		assert.ErrorIs(t, err, models.ErrMalformedVideo)
	}
}

func TestSamplerSkipsFailedAsset(t *testing.T) {
	store := &failingStore{Store: newStore(t), failAt: map[int]bool{1: true}}
	s, err := NewSampler(context.Background(), &fakeDecoder{fps: 1, n: 3}, time.Second, store, FormatPNG)
	require.NoError(t, err)

	var kept []int
	skipped := 0
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			assert.Equal(t, 1, frameErr.Index)
			skipped++
			continue
		}
		require.NoError(t, err)
		kept = append(kept, f.Index)
	}
	assert.Equal(t, []int{0, 2}, kept)
	assert.Equal(t, 1, skipped)
}

func TestSamplerDecoderError(t *testing.T) {
	boom := models.Errorf(models.KindMalformedVideo, "test", "corrupt")
	s, err := NewSampler(context.Background(), &fakeDecoder{fps: 1, n: 2, err: boom}, time.Second, newStore(t), FormatPNG)
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, models.ErrMalformedVideo)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSamplerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewSampler(ctx, &fakeDecoder{fps: 1, n: 5}, time.Second, newStore(t), FormatPNG)
	require.NoError(t, err)

	cancel()
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStride(t *testing.T) {
	stride, err := Stride(25, 2)
	require.NoError(t, err)
	assert.Equal(t, 50, stride)

	stride, err = Stride(24, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 12, stride)

	_, err = Stride(30, 0)
	assert.Error(t, err)
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"25", 25, false},
		{" 24/1 ", 24, false},
		{"0/0", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"30/x", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","avg_frame_rate":"30000/1001"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)

	info, err = parseProbe([]byte(`{"streams":[{"width":64,"height":48,"r_frame_rate":"25/1","avg_frame_rate":"0/0"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FrameRate)

	_, err = parseProbe([]byte(`{"streams":[]}`))
	assert.ErrorIs(t, err, models.ErrMalformedVideo)

	_, err = parseProbe([]byte(`{"streams":[{"width":0,"height":0}]}`))
	assert.ErrorIs(t, err, models.ErrMalformedVideo)
}

func TestParseProbeRotation(t *testing.T) {
	tests := []struct {
		name          string
		json          string
		width, height int
	}{
		{"display matrix quarter turn", `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","side_data_list":[{"side_data_type":"Display Matrix","rotation":-90}]}]}`, 1080, 1920},
		{"rotate tag", `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","tags":{"rotate":"270"}}]}`, 1080, 1920},
		{"upside down", `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","side_data_list":[{"rotation":180}]}]}`, 1920, 1080},
		{"no rotation", `{"streams":[{"width":640,"height":480,"r_frame_rate":"30/1"}]}`, 640, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseProbe([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.width, info.Width)
			assert.Equal(t, tt.height, info.Height)
		})
	}
}

func TestFFmpegArgsPinOutputSize(t *testing.T) {
	args := ffmpegArgs("in.mp4", VideoInfo{Width: 1080, Height: 1920})
	assert.Contains(t, args, "scale=1080:1920")
	assert.Equal(t, "-", args[len(args)-1])
}

func shellDecoder(t *testing.T, script string, w, h int) *ffmpegDecoder {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dec, err := startDecoder(exec.Command("sh", "-c", script), VideoInfo{Width: w, Height: h, FrameRate: 30})
	require.NoError(t, err)
	t.Cleanup(func() { dec.Close() })
	return dec
}

func TestDecoderReadsFrames(t *testing.T) {
	dec := shellDecoder(t, "printf abcdefgh", 2, 1)

	img, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 1), img.Bounds())
	assert.Equal(t, color.RGBA{R: 'a', G: 'b', B: 'c', A: 0xff}, img.At(0, 0))
	assert.Equal(t, color.RGBA{R: 'd', G: 'e', B: 'f', A: 0xff}, img.At(1, 0))

	// The trailing partial frame is dropped when the process exits cleanly.
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderReportsFailureMidFrame(t *testing.T) {
	dec := shellDecoder(t, "printf abc; exit 1", 2, 1)

	_, err := dec.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, models.ErrMalformedVideo)
}

func TestDecoderReportsFailureAtFrameBoundary(t *testing.T) {
	dec := shellDecoder(t, "printf abcdef; exit 1", 2, 1)

	_, err := dec.Next()
	require.NoError(t, err)

	_, err = dec.Next()
	assert.ErrorIs(t, err, models.ErrMalformedVideo)
}
