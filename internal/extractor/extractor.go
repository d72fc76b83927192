package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/bdougie/framesearch/internal/models"
)

// Decoder is a sequential cursor over the decoded frames of one video. It is
// stateful and must only be driven by a single consumer.
type Decoder interface {
	// FrameRate is the frame rate reported by the container, in frames per
	// second. Zero means unknown.
	FrameRate() float64

	// Next returns the next frame, or io.EOF once the stream is exhausted.
	Next() (image.Image, error)

	Close() error
}

// Opener opens a decoder for a video on local disk.
type Opener func(ctx context.Context, videoPath string) (Decoder, error)

// VideoInfo is the subset of ffprobe output the decoder needs.
type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
}

// OpenFFmpeg probes videoPath with ffprobe and starts ffmpeg streaming raw
// RGB frames. The process is bound to ctx.
func OpenFFmpeg(ctx context.Context, videoPath string) (Decoder, error) {
	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	info, err := probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	dec, err := startDecoder(exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(videoPath, info)...), info)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// ffmpegArgs pins the output to the probed display size so every rawvideo
// frame is exactly Width*Height*3 bytes, including streams that change
// resolution midway.
func ffmpegArgs(videoPath string, info VideoInfo) []string {
	return []string{
		"-v", "error",
		"-nostdin",
		"-i", videoPath,
		"-map", "0:v:0",
		"-vf", fmt.Sprintf("scale=%d:%d", info.Width, info.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
}

// startDecoder runs cmd and reads rgb24 frames of info's size from its stdout.
func startDecoder(cmd *exec.Cmd, info VideoInfo) (*ffmpegDecoder, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &ffmpegDecoder{
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, min(info.Width*info.Height*3, 1<<20)),
		stderr: &stderr,
		info:   info,
	}, nil
}

// probe reads stream dimensions, rotation and frame rate with ffprobe.
func probe(ctx context.Context, videoPath string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		videoPath,
	)

	// Capture output for better error reporting
	output, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return VideoInfo{}, fmt.Errorf("ffprobe is not installed: %w", err)
	}
	if err != nil {
		return VideoInfo{}, &models.Error{
			Kind:    models.KindMalformedVideo,
			Op:      "extractor.probe",
			Message: "video stream could not be read",
			Err:     fmt.Errorf("ffprobe failed: %v\nOutput: %s", err, strings.TrimSpace(string(output))),
		}
	}
	return parseProbe(output)
}

// parseProbe reports the display size: ffmpeg applies the display matrix
// when decoding, so a quarter-turn rotation swaps width and height.
func parseProbe(output []byte) (VideoInfo, error) {
	stream := gjson.GetBytes(output, "streams.0")
	if !stream.Exists() {
		return VideoInfo{}, models.Errorf(models.KindMalformedVideo, "extractor.probe", "no video stream found")
	}

	info := VideoInfo{
		Width:  int(stream.Get("width").Int()),
		Height: int(stream.Get("height").Int()),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, models.Errorf(models.KindMalformedVideo, "extractor.probe",
			"invalid frame size %dx%d", info.Width, info.Height)
	}

	if quarterTurn(rotation(stream)) {
		info.Width, info.Height = info.Height, info.Width
	}

	// avg_frame_rate reflects the actual cadence for variable-rate streams;
	// r_frame_rate is the fallback when it is missing or 0/0.
	for _, key := range []string{"avg_frame_rate", "r_frame_rate"} {
		if rate, err := ParseFrameRate(stream.Get(key).String()); err == nil && rate > 0 {
			info.FrameRate = rate
			break
		}
	}
	return info, nil
}

// rotation returns the display rotation in degrees. Recent ffprobe builds
// report it in the display matrix side data, older ones as a rotate tag.
func rotation(stream gjson.Result) float64 {
	var deg float64
	found := false
	stream.Get("side_data_list").ForEach(func(_, sd gjson.Result) bool {
		if r := sd.Get("rotation"); r.Exists() {
			deg, found = r.Float(), true
			return false
		}
		return true
	})
	if found {
		return deg
	}
	return stream.Get("tags.rotate").Float()
}

func quarterTurn(deg float64) bool {
	r := int(math.Round(deg)) % 180
	return r == 90 || r == -90
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty frame rate")
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("frame rate %q has zero denominator", s)
	}
	rate := n / d
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("frame rate %q is not finite", s)
	}
	return rate, nil
}

type ffmpegDecoder struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *bytes.Buffer
	info   VideoInfo

	closeOnce sync.Once
	closeErr  error
}

func (d *ffmpegDecoder) FrameRate() float64 {
	return d.info.FrameRate
}

func (d *ffmpegDecoder) Next() (image.Image, error) {
	w, h := d.info.Width, d.info.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	buf := make([]byte, w*h*3)

	if _, err := io.ReadFull(d.stdout, buf); err != nil {
		if errors.Is(err, io.EOF) {
			if werr := d.wait(); werr != nil {
				return nil, werr
			}
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A truncated trailing frame only ends the stream cleanly when
			// ffmpeg itself exited without error.
			if werr := d.wait(); werr != nil {
				return nil, werr
			}
			return nil, io.EOF
		}
		return nil, err
	}

	for src, dst := 0, 0; src < len(buf); src, dst = src+3, dst+4 {
		img.Pix[dst] = buf[src]
		img.Pix[dst+1] = buf[src+1]
		img.Pix[dst+2] = buf[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img, nil
}

// wait reaps ffmpeg once its output is drained.
func (d *ffmpegDecoder) wait() error {
	d.closeOnce.Do(func() {
		if err := d.cmd.Wait(); err != nil {
			d.closeErr = &models.Error{
				Kind:    models.KindMalformedVideo,
				Op:      "extractor.decode",
				Message: "video stream could not be decoded",
				Err:     fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, strings.TrimSpace(d.stderr.String())),
			}
		}
	})
	return d.closeErr
}

// Close stops ffmpeg if it is still running. Errors from a process that was
// killed early are not reported.
func (d *ffmpegDecoder) Close() error {
	d.closeOnce.Do(func() {
		if d.cmd.Process != nil {
			d.cmd.Process.Kill()
		}
		d.cmd.Wait()
	})
	return nil
}
