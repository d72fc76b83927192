// Package descriptor turns images into fixed-length color histogram vectors.
//
// A descriptor is a joint RGB histogram with BinsPerChannel buckets per
// channel, computed on a Resolution x Resolution downscale of the image and
// normalized to unit L2 norm, so cosine similarity between two descriptors is
// independent of source resolution.
package descriptor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/bdougie/framesearch/internal/models"
)

const (
	// Resolution is the side of the square every image is resized to.
	Resolution = 64
	// BinsPerChannel is the number of histogram buckets per color channel.
	BinsPerChannel = 4
	// Dimensions is the descriptor length.
	Dimensions = BinsPerChannel * BinsPerChannel * BinsPerChannel
)

// Schema is the collection schema descriptors are stored under.
var Schema = models.Schema{Dimensions: Dimensions, Metric: models.MetricCosine}

// Decode reads an encoded image (PNG, JPEG, GIF, BMP or WebP).
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &models.Error{
			Kind:    models.KindDecode,
			Op:      "descriptor.decode",
			Message: "image could not be decoded",
			Err:     err,
		}
	}
	return img, nil
}

// ComputeReader decodes an image from r and computes its descriptor.
func ComputeReader(r io.Reader) ([]float32, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Compute(img)
}

// ComputeBytes is ComputeReader over an in-memory buffer.
func ComputeBytes(data []byte) ([]float32, error) {
	return ComputeReader(bytes.NewReader(data))
}

// Compute returns the unit-norm histogram descriptor of img.
func Compute(img image.Image) ([]float32, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, models.Errorf(models.KindDecode, "descriptor.compute", "empty image")
	}

	small := resize(img)

	hist := make([]float64, Dimensions)
	pix := small.Pix
	for y := 0; y < Resolution; y++ {
		row := pix[y*small.Stride : y*small.Stride+Resolution*4]
		for x := 0; x < Resolution*4; x += 4 {
			hist[binIndex(row[x], row[x+1], row[x+2])]++
		}
	}

	vec := normalize(hist)
	if len(vec) != Dimensions {
		return nil, models.Errorf(models.KindDimensionMismatch, "descriptor.compute",
			"descriptor has %d dimensions, want %d", len(vec), Dimensions)
	}
	return vec, nil
}

// binIndex maps 8-bit channel values to the flattened r*16 + g*4 + b bin.
func binIndex(r, g, b uint8) int {
	const shift = 8 - 2 // log2(256 / BinsPerChannel)
	return int(r>>shift)*BinsPerChannel*BinsPerChannel + int(g>>shift)*BinsPerChannel + int(b>>shift)
}

// resize draws img onto a Resolution x Resolution RGBA canvas. Alpha is
// ignored: the canvas starts opaque black and the source is drawn over it.
func resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, Resolution, Resolution))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	if b := img.Bounds(); b.Dx() == Resolution && b.Dy() == Resolution {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func normalize(hist []float64) []float32 {
	var sum float64
	for _, v := range hist {
		sum += v * v
	}
	out := make([]float32, len(hist))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range hist {
		out[i] = float32(v / norm)
	}
	return out
}

// Norm returns the L2 norm of vec.
func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// String renders a descriptor compactly for debug logging.
func String(vec []float32) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vec {
		if v == 0 {
			continue
		}
		if buf.Len() > 1 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%d:%.3f", i, v)
	}
	buf.WriteByte(']')
	return buf.String()
}
