// Package audio converts between raw 16-bit PCM and WAV containers.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const MIMETypeWAV = "audio/wav"

var ErrUnalignedPCM = errors.New("pcm payload not aligned to 16-bit samples")

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// IsWAV reports whether data carries a readable RIFF/WAVE header.
func IsWAV(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	return wav.NewDecoder(bytes.NewReader(data)).IsValidFile()
}

// WritePCM encodes little-endian 16-bit PCM into w as a WAV file.
func WritePCM(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return ErrUnalignedPCM
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns pcm wrapped in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	buf := &seekBuffer{}
	if err := WritePCM(buf, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWAV extracts 16-bit PCM and its format from a WAV file.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("read wav pcm: %w", err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: int(dec.BitDepth)}
	shift := 0
	if format.BitDepth > 16 {
		shift = format.BitDepth - 16
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		if format.BitDepth == 8 {
			s = (s - 128) << 8
		} else {
			s >>= shift
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	format.BitDepth = 16
	return pcm, format, nil
}

// Normalize returns data as a WAV file, wrapping raw PCM when needed.
func Normalize(data []byte, sampleRate, channels int) ([]byte, error) {
	if IsWAV(data) {
		return data, nil
	}
	return EncodeWAV(data, sampleRate, channels)
}

// Silence returns a WAV file of d worth of silent audio.
func Silence(d time.Duration, sampleRate, channels int) ([]byte, error) {
	samples := int(d.Seconds()*float64(sampleRate)) * channels
	return EncodeWAV(make([]byte, samples*2), sampleRate, channels)
}

// Duration reports how long pcm plays at the given format.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(pcm) / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites chunk sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		if end > cap(s.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, s.buf)
			s.buf = grown
		} else {
			s.buf = s.buf[:end]
		}
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(s.pos)
	case io.SeekEnd:
		base = int64(len(s.buf))
	default:
		return 0, errors.New("invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = int(next)
	return next, nil
}

func (s *seekBuffer) Bytes() []byte { return s.buf }
