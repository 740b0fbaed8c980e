package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/callwright/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusMaxPacket bounds the size of one encoded packet.
	opusMaxPacket = 4000
)

// opusDecoder decodes one speaker's stream. Each SSRC gets its own decoder so
// the codec state stays continuous across packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns the packet as normalised mono samples at rate.
func (d *opusDecoder) decode(packet []byte, rate int) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.ResampleFloat(downmix(pcm), opusSampleRate, rate), nil
}

// opusEncoder encodes the outgoing speech stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode packs one 20 ms frame of 48 kHz mono samples into an Opus packet.
func (e *opusEncoder) encode(mono []float32) ([]byte, error) {
	packet, err := e.enc.Encode(upmix(mono), opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}

// downmix averages interleaved stereo int16 into normalised mono.
func downmix(pcm []int16) []float32 {
	out := make([]float32, len(pcm)/opusChannels)
	for i := range out {
		out[i] = (audio.PCM16ToFloat(pcm[2*i]) + audio.PCM16ToFloat(pcm[2*i+1])) / 2
	}
	return out
}

// upmix duplicates normalised mono samples into interleaved stereo int16.
func upmix(mono []float32) []int16 {
	out := make([]int16, len(mono)*opusChannels)
	for i, s := range mono {
		v := audio.FloatToPCM16(s)
		out[2*i], out[2*i+1] = v, v
	}
	return out
}
