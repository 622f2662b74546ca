package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pcm := make([]byte, 0, 64)
	for i := int16(-16); i < 16; i++ {
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(i*100))
	}
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !IsWAV(data) {
		t.Fatalf("expected encoded payload to be recognised as wav")
	}
	out, format, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		t.Fatalf("unexpected format %+v", format)
	}
	if !bytes.Equal(out, pcm) {
		t.Fatalf("pcm mismatch")
	}
}

func TestWritePCMRejectsOddLength(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); !errors.Is(err, ErrUnalignedPCM) {
		t.Fatalf("expected unaligned error, got %v", err)
	}
}

func TestNormalizeKeepsWAV(t *testing.T) {
	wavData, err := Silence(10*time.Millisecond, 8000, 1)
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	got, err := Normalize(wavData, 16000, 1)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(got, wavData) {
		t.Fatalf("expected wav input to pass through unchanged")
	}

	raw := make([]byte, 320)
	wrapped, err := Normalize(raw, 16000, 1)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	if !IsWAV(wrapped) {
		t.Fatalf("expected raw pcm to be wrapped")
	}
}

func TestIsWAVRejectsGarbage(t *testing.T) {
	if IsWAV([]byte("definitely not audio")) {
		t.Fatalf("garbage should not be wav")
	}
	if IsWAV(nil) {
		t.Fatalf("empty payload should not be wav")
	}
}

func TestDuration(t *testing.T) {
	pcm := make([]byte, 16000*2)
	if got := Duration(pcm, 16000, 1); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
}
