// Package audiocodec converts between the canonical 16 kHz mono int16 PCM
// AudioBuffer and the wire formats providers and transports use (WAV, Opus,
// MP3). The WAV and Opus codecs round-trip: decode(encode(buf)) preserves
// duration within one frame. MP3 is decode-only (Encode returns an error),
// and its Decode yields stereo PCM at the stream's native rate rather than
// the canonical 16 kHz mono.
package audiocodec

import (
	"fmt"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

// Format names an on-wire audio encoding.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
	FormatMP3  Format = "mp3"
	FormatPCM  Format = "pcm"
)

// Encoder turns a canonical AudioBuffer into wire bytes.
type Encoder interface {
	Encode(buf voicetypes.AudioBuffer) ([]byte, error)
}

// Decoder turns wire bytes into a canonical AudioBuffer.
type Decoder interface {
	Decode(data []byte) (voicetypes.AudioBuffer, error)
}

// Codec bundles an Encoder and Decoder for one Format.
type Codec interface {
	Encoder
	Decoder
	Format() Format
}

// For looks up the codec for a named format.
func For(f Format) (Codec, error) {
	switch f {
	case FormatWAV:
		return wavCodec{}, nil
	case FormatOpus:
		return opusCodec{}, nil
	case FormatMP3:
		return mp3Codec{}, nil
	case FormatPCM:
		return pcmCodec{}, nil
	default:
		return nil, fmt.Errorf("audiocodec: unsupported format %q", f)
	}
}

type pcmCodec struct{}

func (pcmCodec) Format() Format { return FormatPCM }

// Encode returns the raw little-endian int16 samples with no header.
func (pcmCodec) Encode(buf voicetypes.AudioBuffer) ([]byte, error) {
	out := make([]byte, len(buf.Samples)*2)
	for i, s := range buf.Samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out, nil
}

// Decode assumes 16 kHz mono, since raw PCM carries no format metadata.
func (pcmCodec) Decode(data []byte) (voicetypes.AudioBuffer, error) {
	if len(data)%2 != 0 {
		return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: odd-length PCM data")
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return voicetypes.AudioBuffer{Samples: samples, Rate: 16000, Channels: 1}, nil
}
