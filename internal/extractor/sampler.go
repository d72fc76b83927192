package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

// FrameFormat is the encoding used for extracted frame assets.
type FrameFormat string

const (
	FormatPNG  FrameFormat = "png"
	FormatJPEG FrameFormat = "jpeg"
)

func (f FrameFormat) ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// SampledFrame is one frame kept by the Sampler.
type SampledFrame struct {
	ID          string
	Index       int
	TimestampMS int64
	AssetRef    string
	Image       image.Image
}

// FrameError reports a single frame that was decoded but could not be saved.
// The sampler stays usable after returning one.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Sampler walks a Decoder and keeps one frame per interval. It owns the
// decoder and is not safe for concurrent use.
type Sampler struct {
	dec    Decoder
	store  storage.Store
	format FrameFormat
	ctx    context.Context

	stride  int
	fps     float64
	counter int
	done    bool
}

// Stride computes how many decoded frames make up one sampling interval.
// The result is at least 1.
func Stride(fps, intervalSeconds float64) (int, error) {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0, models.Errorf(models.KindMalformedVideo, "extractor.stride", "invalid frame rate %v", fps)
	}
	if intervalSeconds <= 0 || math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) {
		return 0, models.Errorf(models.KindInternal, "extractor.stride", "invalid sampling interval %v", intervalSeconds)
	}
	stride := int(math.Round(fps * intervalSeconds))
	if stride < 1 {
		stride = 1
	}
	return stride, nil
}

// NewSampler prepares sampling of dec every interval. Frames are written to
// store as they are emitted.
func NewSampler(ctx context.Context, dec Decoder, interval time.Duration, store storage.Store, format FrameFormat) (*Sampler, error) {
	fps := dec.FrameRate()
	stride, err := Stride(fps, interval.Seconds())
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatPNG
	}
	return &Sampler{
		dec:    dec,
		store:  store,
		format: format,
		ctx:    ctx,
		stride: stride,
		fps:    fps,
	}, nil
}

// Stride returns the frame stride in use.
func (s *Sampler) Stride() int {
	return s.stride
}

// Next returns the next kept frame, or io.EOF when the video is exhausted.
// A *FrameError means that frame was skipped; calling Next again continues
// with the following frames. Any other error is fatal for the stream.
func (s *Sampler) Next() (SampledFrame, error) {
	if s.done {
		return SampledFrame{}, io.EOF
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.done = true
			return SampledFrame{}, err
		}

		img, err := s.dec.Next()
		if err != nil {
			s.done = true
			return SampledFrame{}, err
		}

		index := s.counter
		s.counter++
		if index%s.stride != 0 {
			continue
		}

		frame := SampledFrame{
			ID:          uuid.NewString(),
			Index:       index,
			TimestampMS: int64(math.Round(float64(index) * 1000 / s.fps)),
			Image:       img,
		}
		ref, err := s.save(frame)
		if err != nil {
			return SampledFrame{}, &FrameError{Index: index, Err: err}
		}
		frame.AssetRef = ref
		return frame, nil
	}
}

// Decoded returns how many frames have been read from the decoder so far.
func (s *Sampler) Decoded() int {
	return s.counter
}

func (s *Sampler) save(frame SampledFrame) (string, error) {
	var buf bytes.Buffer
	var err error
	switch s.format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(&buf, frame.Image)
	}
	if err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}

	name := fmt.Sprintf("frame_%s.%s", hexID(frame.ID), s.format.ext())
	return s.store.Put(s.ctx, storage.KindFrame, name, &buf, int64(buf.Len()))
}

func hexID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%x", u[:])
}

// Close releases the underlying decoder.
func (s *Sampler) Close() error {
	s.done = true
	return s.dec.Close()
}
