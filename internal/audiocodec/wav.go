package audiocodec

import (
	"encoding/binary"
	"fmt"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

// wavCodec encodes/decodes 16-bit PCM WAV, the format the Registry's STT
// clients send to OpenAI-compatible transcription endpoints.
type wavCodec struct{}

func (wavCodec) Format() Format { return FormatWAV }

const (
	bitsPerSample = 16
	wavHeaderSize = 44
)

// Encode builds a standard 44-byte RIFF/WAVE header followed by little-endian
// PCM samples.
func (wavCodec) Encode(buf voicetypes.AudioBuffer) ([]byte, error) {
	rate := buf.Rate
	if rate == 0 {
		rate = 16000
	}
	channels := buf.Channels
	if channels == 0 {
		channels = 1
	}

	dataSize := len(buf.Samples) * 2
	byteRate := rate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	fileSize := wavHeaderSize - 8 + dataSize

	out := make([]byte, wavHeaderSize+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(fileSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	for i, s := range buf.Samples {
		binary.LittleEndian.PutUint16(out[wavHeaderSize+2*i:], uint16(s))
	}
	return out, nil
}

// Decode parses a RIFF/WAVE container, walking chunks until "data" so a
// header with extra chunks (e.g. "LIST") still parses.
func (wavCodec) Decode(data []byte) (voicetypes.AudioBuffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: not a RIFF/WAVE file")
	}

	var rate, channels int
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			break
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: truncated fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			samples := make([]int16, size/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(data[body+2*i:]))
			}
			if rate == 0 {
				rate = 16000
			}
			if channels == 0 {
				channels = 1
			}
			return voicetypes.AudioBuffer{Samples: samples, Rate: rate, Channels: channels}, nil
		}
		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}
	return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: no data chunk found")
}
