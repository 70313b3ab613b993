// Package camera captures frames from video devices and network streams
// through an ffmpeg MJPEG pipe.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// maxFrameSize caps a single JPEG frame read from the pipe.
const maxFrameSize = 10 * 1024 * 1024

// Camera is a pull-based frame source. ReadFrame blocks until the next
// frame is available and returns io.EOF once the stream has ended.
type Camera interface {
	ReadFrame() (image.Image, error)
	Close() error
}

// FFmpegCamera reads MJPEG frames produced by an ffmpeg child process.
type FFmpegCamera struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// Open starts capturing from a local video device by index
// (/dev/video0, /dev/video1, ...). It fails fast when ffmpeg cannot
// start, so a missing device surfaces before any stream session begins.
func Open(ctx context.Context, index int) (*FFmpegCamera, error) {
	return openSource(ctx, fmt.Sprintf("/dev/video%d", index), []string{"-f", "v4l2"})
}

// OpenURL starts capturing from a network stream (rtsp, http).
func OpenURL(ctx context.Context, url string) (*FFmpegCamera, error) {
	var pre []string
	switch {
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		pre = []string{
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000",
			"-timeout", "5000000",
		}
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		pre = []string{
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		}
	}
	return openSource(ctx, url, pre)
}

func openSource(ctx context.Context, source string, pre []string) (*FFmpegCamera, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, pre...)
	args = append(args,
		"-i", source,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("open camera %s: %w", source, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "source", source, "output", scanner.Text())
		}
	}()

	return &FFmpegCamera{
		cmd:    cmd,
		cancel: cancel,
		out:    bufio.NewReaderSize(stdout, 512*1024),
	}, nil
}

// ReadFrame returns the next decoded frame. io.EOF means the stream ended;
// after Close it always returns io.EOF.
func (c *FFmpegCamera) ReadFrame() (image.Image, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	if err := findJPEGStart(c.out); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("scan frame start: %w", err)
	}

	data, err := readUntilJPEGEnd(c.out)
	if err != nil {
		if err == io.EOF {
			// Stream ended mid-frame; the partial frame is dropped.
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Close terminates the ffmpeg process and releases the device.
func (c *FFmpegCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.cancel()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

// findJPEGStart advances the reader past the next FF D8 marker.
func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

// readUntilJPEGEnd collects bytes up to and including the FF D9 marker.
func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxFrameSize {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
