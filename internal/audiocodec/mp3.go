package audiocodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

// mp3Codec decodes provider responses that arrive MP3-encoded (some
// OpenAI-compatible TTS endpoints default to mp3). There is no pure-Go MP3
// encoder in wide use, so Encode is unsupported; callers needing an
// MP3-encoded response should request wav/opus from the provider instead.
type mp3Codec struct{}

func (mp3Codec) Format() Format { return FormatMP3 }

func (mp3Codec) Encode(voicetypes.AudioBuffer) ([]byte, error) {
	return nil, fmt.Errorf("audiocodec: mp3 encoding is not supported")
}

// Decode reads an MP3 stream into 16-bit stereo PCM at the stream's native
// rate, per go-mp3's decode contract.
func (mp3Codec) Decode(data []byte) (voicetypes.AudioBuffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: open mp3 stream: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: decode mp3 stream: %w", err)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return voicetypes.AudioBuffer{Samples: samples, Rate: dec.SampleRate(), Channels: 2}, nil
}
