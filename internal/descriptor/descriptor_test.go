package descriptor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func TestComputeProperties(t *testing.T) {
	images := map[string]image.Image{
		"solid red":    solid(320, 240, color.RGBA{R: 255, A: 255}),
		"gradient":     gradient(640, 360),
		"tiny":         solid(1, 1, color.RGBA{G: 200, B: 30, A: 255}),
		"exact":        gradient(Resolution, Resolution),
		"transparent":  solid(10, 10, color.RGBA{}),
		"non-zero min": gradient(50, 50).SubImage(image.Rect(10, 10, 40, 30)),
	}

	for name, img := range images {
		t.Run(name, func(t *testing.T) {
			vec, err := Compute(img)
			require.NoError(t, err)
			require.Len(t, vec, Dimensions)
			for i, v := range vec {
				assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "bin %d not finite", i)
				assert.GreaterOrEqual(t, v, float32(0), "bin %d negative", i)
			}
			assert.InDelta(t, 1.0, Norm(vec), 1e-5)
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	img := gradient(200, 100)
	a, err := Compute(img)
	require.NoError(t, err)
	b, err := Compute(img)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSolidColorFillsOneBin(t *testing.T) {
	vec, err := Compute(solid(100, 80, color.RGBA{R: 255, A: 255}))
	require.NoError(t, err)

	red := binIndex(255, 0, 0)
	assert.Equal(t, 3*BinsPerChannel*BinsPerChannel, red)
	for i, v := range vec {
		if i == red {
			assert.InDelta(t, 1.0, v, 1e-6)
		} else {
			assert.Zero(t, v)
		}
	}
}

func TestResolutionIndependent(t *testing.T) {
	c := color.RGBA{R: 10, G: 140, B: 250, A: 255}
	small, err := Compute(solid(32, 32, c))
	require.NoError(t, err)
	large, err := Compute(solid(1920, 1080, c))
	require.NoError(t, err)
	assert.Equal(t, small, large)
}

func TestBinIndexBuckets(t *testing.T) {
	assert.Equal(t, 0, binIndex(0, 0, 0))
	assert.Equal(t, 0, binIndex(63, 63, 63))
	assert.Equal(t, 1+4+16, binIndex(64, 64, 64))
	assert.Equal(t, Dimensions-1, binIndex(255, 255, 255))
	assert.Equal(t, 2, binIndex(0, 0, 128))
}

func TestComputeBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(16, 16, color.RGBA{B: 255, A: 255})))

	vec, err := ComputeBytes(buf.Bytes())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vec[binIndex(0, 0, 255)], 1e-6)
}

func TestComputeBytesRejectsGarbage(t *testing.T) {
	_, err := ComputeBytes([]byte("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDecode)

	_, err = Compute(nil)
	assert.ErrorIs(t, err, models.ErrDecode)
}

func TestPoolComputesAll(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	ctx := context.Background()
	var chans []<-chan Result
	for i := 0; i < 20; i++ {
		ch, err := pool.Submit(ctx, solid(8, 8, color.RGBA{R: uint8(i * 12), A: 255}))
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		res := <-ch
		require.NoError(t, res.Error, "frame %d", i)
		assert.Len(t, res.Vector, Dimensions)
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool := NewPool(1)
	pool.Close()
	pool.Close()

	_, err := pool.Submit(context.Background(), solid(1, 1, color.RGBA{A: 255}))
	assert.Error(t, err)
}
