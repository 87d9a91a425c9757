package voice

import (
	"context"
	"io"

	"github.com/normanking/voicemoded/internal/audiocodec"
	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

// HTTPTtsSink implements voicetypes.TtsSink against the generic
// OpenAI-compatible registry.Client, streaming the response body as it
// arrives so the engine can mark TTS_FIRST_AUDIO at the real first byte.
type HTTPTtsSink struct {
	Client *registry.Client
}

func (s *HTTPTtsSink) Synthesize(ctx context.Context, endpoint *voicetypes.ProviderEndpoint, text, voice, model, format string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		_, body, err := s.Client.SynthesizeStream(ctx, *endpoint, registry.SpeechRequest{
			Input: text, Voice: voice, Model: model, ResponseFormat: format,
		})
		if err != nil {
			errc <- err
			return
		}
		defer body.Close()

		buf := make([]byte, 8192)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if rerr == io.EOF {
				return
			}
			if rerr != nil {
				errc <- rerr
				return
			}
		}
	}()

	return chunks, errc
}

// HTTPSttSource implements voicetypes.SttSource against the generic
// registry.Client, encoding the canonical AudioBuffer to the requested wire
// format before posting it to /audio/transcriptions.
type HTTPSttSource struct {
	Client *registry.Client
}

func (s *HTTPSttSource) Transcribe(ctx context.Context, endpoint *voicetypes.ProviderEndpoint, audio voicetypes.AudioBuffer, format string) (string, error) {
	codec, err := audiocodec.For(audiocodec.Format(format))
	if err != nil {
		return "", err
	}
	wireData, err := codec.Encode(audio)
	if err != nil {
		return "", err
	}
	result, err := s.Client.Transcribe(ctx, *endpoint, endpoint.ID, wireData)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
