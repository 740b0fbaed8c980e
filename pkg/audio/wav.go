package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of a canonical 44-byte PCM WAV header.
const wavHeaderSize = 44

// ErrNotWAV is returned by [ParseWAV] for data without a canonical PCM WAV
// header.
var ErrNotWAV = errors.New("audio: not a PCM WAV container")

// wavHeader is the canonical RIFF/WAVE header for 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV wraps little-endian 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	channels := max(f.Channels, 1)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV validates a canonical PCM WAV container and returns its format and
// sample data.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < wavHeaderSize {
		return Format{}, nil, fmt.Errorf("%w: %d bytes", ErrNotWAV, len(data))
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:wavHeaderSize]), binary.LittleEndian, &h); err != nil {
		return Format{}, nil, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" ||
		h.AudioFormat != 1 || h.BitsPerSample != 16 {
		return Format{}, nil, ErrNotWAV
	}
	pcm := data[wavHeaderSize:]
	if int(h.Subchunk2Size) < len(pcm) {
		pcm = pcm[:h.Subchunk2Size]
	}
	return Format{SampleRate: int(h.SampleRate), Channels: int(h.NumChannels)}, pcm, nil
}
