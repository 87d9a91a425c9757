package audiocodec

import (
	"encoding/binary"
	"fmt"

	"github.com/normanking/voicemoded/internal/voicetypes"
	"layeh.com/gopus"
)

// Opus packets for the canonical 16 kHz mono stream are framed at 20 ms,
// matching the frame size layeh.com/gopus expects (samples per channel per
// frame), the same convention the Discord voice codec uses at its own
// sample rate.
const (
	opusSampleRate  = 16000
	opusChannels    = 1
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 320
)

type opusCodec struct{}

func (opusCodec) Format() Format { return FormatOpus }

// Encode splits the buffer into 20 ms frames, zero-padding the final frame,
// and writes a length-prefixed sequence of Opus packets.
func (opusCodec) Encode(buf voicetypes.AudioBuffer) ([]byte, error) {
	if buf.Channels != opusChannels {
		return nil, fmt.Errorf("audiocodec: opus encode requires mono input, got %d channels", buf.Channels)
	}
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: create opus encoder: %w", err)
	}

	var out []byte
	samples := buf.Samples
	for offset := 0; offset < len(samples); offset += opusFrameSize {
		end := offset + opusFrameSize
		var frame []int16
		if end <= len(samples) {
			frame = samples[offset:end]
		} else {
			frame = make([]int16, opusFrameSize)
			copy(frame, samples[offset:])
		}
		packet, err := enc.Encode(frame, opusFrameSize, len(frame)*2)
		if err != nil {
			return nil, fmt.Errorf("audiocodec: opus encode frame: %w", err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(packet)))
		out = append(out, lenBuf[:]...)
		out = append(out, packet...)
	}
	return out, nil
}

// Decode reads the length-prefixed packet stream written by Encode and
// concatenates the decoded frames.
func (opusCodec) Decode(data []byte) (voicetypes.AudioBuffer, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: create opus decoder: %w", err)
	}

	var samples []int16
	pos := 0
	for pos+4 <= len(data) {
		packetLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+packetLen > len(data) {
			return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: truncated opus packet")
		}
		packet := data[pos : pos+packetLen]
		pos += packetLen

		pcm, err := dec.Decode(packet, opusFrameSize, false)
		if err != nil {
			return voicetypes.AudioBuffer{}, fmt.Errorf("audiocodec: opus decode frame: %w", err)
		}
		samples = append(samples, pcm...)
	}
	return voicetypes.AudioBuffer{Samples: samples, Rate: opusSampleRate, Channels: opusChannels}, nil
}
