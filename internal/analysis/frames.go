package analysis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// FrameSource yields decoded video frames in order. Next returns io.EOF after
// the last frame, and a nil image with a nil error for a frame it could not
// produce.
type FrameSource interface {
	Next() (image.Image, error)
	Close() error
}

// FrameOpener opens a decoded frame stream for a local video file, downscaled
// so that neither side exceeds maxSide.
type FrameOpener interface {
	Open(ctx context.Context, path string, maxSide int) (FrameSource, error)
}

// FFmpegOpener decodes video by piping ffmpeg's PPM output.
type FFmpegOpener struct {
	Path string
}

func NewFFmpegOpener(path string) *FFmpegOpener {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegOpener{Path: path}
}

func (o *FFmpegOpener) Open(ctx context.Context, path string, maxSide int) (FrameSource, error) {
	scale := fmt.Sprintf("scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease", maxSide, maxSide)
	cmd := exec.CommandContext(ctx, o.Path,
		"-nostdin", "-v", "error",
		"-i", path,
		"-vf", scale,
		"-f", "image2pipe", "-c:v", "ppm", "-")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegSource{
		cmd:    cmd,
		stdout: stdout,
		r:      bufio.NewReaderSize(stdout, 1<<20),
		stderr: &stderr,
		path:   path,
	}, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	r      *bufio.Reader
	stderr *bytes.Buffer
	path   string

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSource) Next() (image.Image, error) {
	img, err := decodePPM(s.r)
	if errors.Is(err, io.EOF) {
		if waitErr := s.Close(); waitErr != nil {
			return nil, waitErr
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("decode frame from %s: %w", s.path, err)
	}
	return img, nil
}

// Close stops ffmpeg if it is still running and reaps it.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.stdout.Close()
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && s.stderr.Len() > 0 {
			s.closeErr = fmt.Errorf("ffmpeg failed on %s: %s", s.path, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})
	return s.closeErr
}

// decodePPM reads one binary (P6, 8-bit) PPM image. It returns io.EOF when
// the stream ends cleanly before a header.
func decodePPM(r *bufio.Reader) (image.Image, error) {
	magic, err := ppmToken(r)
	if err != nil {
		return nil, err
	}
	if magic != "P6" {
		return nil, fmt.Errorf("unsupported ppm magic %q", magic)
	}

	var dims [3]int
	for i := range dims {
		tok, err := ppmToken(r)
		if err != nil {
			return nil, fmt.Errorf("ppm header: %w", io.ErrUnexpectedEOF)
		}
		dims[i], err = strconv.Atoi(tok)
		if err != nil || dims[i] <= 0 {
			return nil, fmt.Errorf("ppm header: bad value %q", tok)
		}
	}
	w, h, maxVal := dims[0], dims[1], dims[2]
	if maxVal > 255 {
		return nil, fmt.Errorf("ppm: 16-bit samples not supported")
	}

	pix := make([]byte, w*h*3)
	if _, err := io.ReadFull(r, pix); err != nil {
		return nil, fmt.Errorf("ppm pixels: %w", io.ErrUnexpectedEOF)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// ppmToken reads a whitespace-delimited header token, skipping comments. The
// single whitespace byte after the final token is consumed.
func ppmToken(r *bufio.Reader) (string, error) {
	var tok []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(tok) > 0 && errors.Is(err, io.EOF) {
				return string(tok), nil
			}
			return "", err
		}
		switch {
		case b == '#' && len(tok) == 0:
			if _, err := r.ReadBytes('\n'); err != nil {
				return "", err
			}
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, b)
		}
	}
}
