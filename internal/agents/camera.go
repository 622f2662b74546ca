package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

var ErrNoCamera = errors.New("camera not configured")

// Photo is a captured still image.
type Photo struct {
	Path  string
	Bytes int64
	Taken time.Time
}

// Camera captures stills and labels what is in view.
type Camera interface {
	Capture(ctx context.Context) (Photo, error)
	Identify(ctx context.Context) ([]string, error)
}

// ExecCamera shells out to capture and labelling tools. The capture command
// receives the output file as its last argument; the identify command prints
// a JSON array of labels, most confident first.
type ExecCamera struct {
	capture   []string
	identify  []string
	outputDir string
	now       func() time.Time
}

func NewExecCamera(cfg config.CameraConfig) (*ExecCamera, error) {
	parser := shellwords.NewParser()
	cam := &ExecCamera{outputDir: cfg.OutputDir, now: time.Now}
	var err error
	if cfg.CaptureCommand != "" {
		if cam.capture, err = parser.Parse(cfg.CaptureCommand); err != nil {
			return nil, fmt.Errorf("parse capture command: %w", err)
		}
	}
	if cfg.IdentifyCommand != "" {
		if cam.identify, err = parser.Parse(cfg.IdentifyCommand); err != nil {
			return nil, fmt.Errorf("parse identify command: %w", err)
		}
	}
	if cam.outputDir == "" {
		cam.outputDir = os.TempDir()
	}
	return cam, nil
}

func (c *ExecCamera) Capture(ctx context.Context) (Photo, error) {
	if len(c.capture) == 0 {
		return Photo{}, ErrNoCamera
	}
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return Photo{}, fmt.Errorf("create capture dir: %w", err)
	}
	taken := c.now()
	path := filepath.Join(c.outputDir, "capture-"+taken.Format("20060102-150405.000")+".jpg")
	args := append(append([]string(nil), c.capture[1:]...), path)
	cmd := exec.CommandContext(ctx, c.capture[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Photo{}, fmt.Errorf("capture command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	info, err := os.Stat(path)
	if err != nil {
		return Photo{}, fmt.Errorf("capture produced no image: %w", err)
	}
	return Photo{Path: path, Bytes: info.Size(), Taken: taken}, nil
}

func (c *ExecCamera) Identify(ctx context.Context) ([]string, error) {
	if len(c.identify) == 0 {
		return nil, ErrNoCamera
	}
	cmd := exec.CommandContext(ctx, c.identify[0], c.identify[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("identify command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var labels []string
	if err := json.Unmarshal(bytes.TrimSpace(out), &labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return labels, nil
}
