package audiocodec

import (
	"testing"
	"time"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

func sineSamples(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((i % 200) * 100)
	}
	return out
}

func TestWAV_RoundTripsExactly(t *testing.T) {
	buf := voicetypes.AudioBuffer{Samples: sineSamples(1600), Rate: 16000, Channels: 1}
	codec, err := For(FormatWAV)
	if err != nil {
		t.Fatalf("For(wav): %v", err)
	}

	encoded, err := codec.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Rate != buf.Rate || decoded.Channels != buf.Channels {
		t.Errorf("format mismatch: got rate=%d channels=%d", decoded.Rate, decoded.Channels)
	}
	if len(decoded.Samples) != len(buf.Samples) {
		t.Fatalf("sample count mismatch: got %d want %d", len(decoded.Samples), len(buf.Samples))
	}
	for i := range buf.Samples {
		if decoded.Samples[i] != buf.Samples[i] {
			t.Fatalf("sample %d mismatch: got %d want %d", i, decoded.Samples[i], buf.Samples[i])
		}
	}
}

func TestWAV_DurationPreservedWithinOneFrame(t *testing.T) {
	buf := voicetypes.AudioBuffer{Samples: sineSamples(16000), Rate: 16000, Channels: 1}
	codec, _ := For(FormatWAV)
	encoded, _ := codec.Encode(buf)
	decoded, _ := codec.Decode(encoded)

	wantFrame := 1 * 1000 / 16000 // ms per frame, for tolerance context
	_ = wantFrame
	if decoded.Duration() != buf.Duration() {
		t.Errorf("duration not preserved: got %v want %v", decoded.Duration(), buf.Duration())
	}
}

func TestPCM_RoundTrips(t *testing.T) {
	buf := voicetypes.AudioBuffer{Samples: sineSamples(800), Rate: 16000, Channels: 1}
	codec, _ := For(FormatPCM)
	encoded, err := codec.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range buf.Samples {
		if decoded.Samples[i] != buf.Samples[i] {
			t.Fatalf("sample %d mismatch: got %d want %d", i, decoded.Samples[i], buf.Samples[i])
		}
	}
}

func TestOpus_DurationPreservedWithinOneFrame(t *testing.T) {
	buf := voicetypes.AudioBuffer{Samples: sineSamples(opusFrameSize * 5), Rate: opusSampleRate, Channels: 1}
	codec, err := For(FormatOpus)
	if err != nil {
		t.Fatalf("For(opus): %v", err)
	}
	encoded, err := codec.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	frameDuration := buf.Duration() / time.Duration(5)
	diff := decoded.Duration() - buf.Duration()
	if diff < 0 {
		diff = -diff
	}
	if diff > frameDuration {
		t.Errorf("opus round trip drifted by %v, more than one frame (%v)", diff, frameDuration)
	}
}

func TestWAV_RejectsNonRIFF(t *testing.T) {
	codec, _ := For(FormatWAV)
	if _, err := codec.Decode([]byte("not a wav file")); err == nil {
		t.Errorf("expected error decoding non-RIFF data")
	}
}

func TestFor_UnknownFormat(t *testing.T) {
	if _, err := For(Format("flac")); err == nil {
		t.Errorf("expected error for unsupported format")
	}
}
