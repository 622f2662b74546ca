package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a local recognizer (whisper.cpp, vosk wrapper)
// that reads a WAV file and prints {"text": ..., "confidence": ...}.
type execRecognizer struct {
	cmd        []string
	modelPath  string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execResult struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Language   string   `json:"language"`
}

func NewExecRecognizer(cfg config.BackendConfig, sampleRate, channels int) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: cfg.ModelPath, sampleRate: sampleRate, channels: channels}, nil
}

// Available reports whether the binary and model are present.
func (r *execRecognizer) Available() bool {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return false
	}
	if r.modelPath != "" {
		if _, err := os.Stat(r.modelPath); err != nil {
			return false
		}
	}
	return true
}

func (r *execRecognizer) RecognizeOnce(ctx context.Context, data []byte, language string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if audio.IsWAV(data) {
		if _, err := file.Write(data); err != nil {
			return Result{}, fmt.Errorf("write wav: %w", err)
		}
	} else if err := audio.WritePCM(file, data, r.sampleRate, r.channels); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if lang := backend.PrimaryLanguage(language); lang != "" {
		cmdArgs = append(cmdArgs, "--language", lang)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{Text: resp.Text, Language: resp.Language, Confidence: resp.Confidence}, nil
}
