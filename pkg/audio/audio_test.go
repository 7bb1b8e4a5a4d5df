package audio

import (
	"testing"
	"time"
)

func TestInt16Bytes_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 256}
	got := BytesToInt16s(Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestBytesToInt16s_OddTrailingByte(t *testing.T) {
	got := BytesToInt16s([]byte{0x01, 0x00, 0xFF})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestPCMDuration(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		rate       int
		channels   int
		want       time.Duration
	}{
		{"one second mono 16k", 32000, 16000, 1, time.Second},
		{"half second mono 16k", 16000, 16000, 1, 500 * time.Millisecond},
		{"stereo halves duration", 32000, 16000, 2, 500 * time.Millisecond},
		{"zero rate", 100, 0, 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := PCMDuration(tc.n, tc.rate, tc.channels); got != tc.want {
				t.Errorf("PCMDuration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewDecoder_BadArgs(t *testing.T) {
	if _, err := NewDecoder(0, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDecoder_EmptyPacket(t *testing.T) {
	d, err := NewDecoder(SampleRate, Channels)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if _, err := d.Decode(nil); err == nil {
		t.Error("expected error for empty packet")
	}
}
