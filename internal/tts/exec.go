package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// execSynth drives a local synthesizer (piper, kokoro wrapper) that reads a
// JSON request on stdin and streams newline-delimited base64 PCM chunks.
type execSynth struct {
	cmd          []string
	sampleRate   int
	channels     int
	voices       []string
	defaultVoice string
	mu           sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(cfg config.BackendConfig, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	synth := &execSynth{
		cmd:          args,
		sampleRate:   sampleRate,
		channels:     channels,
		voices:       cfg.Voices,
		defaultVoice: cfg.DefaultVoice,
	}
	if len(synth.voices) > 0 && synth.defaultVoice == "" {
		synth.defaultVoice = synth.voices[0]
	}
	return synth, nil
}

func (e *execSynth) Available() bool {
	_, err := exec.LookPath(e.cmd[0])
	return err == nil
}

func (e *execSynth) Voices() []string { return slices.Clone(e.voices) }

func (e *execSynth) DefaultVoice() string { return e.defaultVoice }

func (e *execSynth) SynthesizeOnce(ctx context.Context, text, language, voice string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      voice,
		Language:   language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start tts command: %w", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return Result{}, fmt.Errorf("decode tts chunk: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return Result{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return Result{}, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return Result{}, scanErr
	}
	if len(pcm) == 0 {
		return Result{}, nil
	}

	wav, err := audio.EncodeWAV(pcm, e.sampleRate, e.channels)
	if err != nil {
		return Result{}, err
	}
	return Result{Audio: wav, MIMEType: audio.MIMETypeWAV, Language: language, Voice: voice}, nil
}
