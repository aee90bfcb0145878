package asr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// decodeWAVMono16 reads a RIFF/WAV file holding 16-bit signed little-endian
// PCM and returns normalized float32 samples. Stereo input is downmixed by
// averaging channels. The extraction stage always produces 16 kHz mono, so no
// resampling happens here.
func decodeWAVMono16(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	var (
		channels      int
		bitsPerSample int
		pcm           []byte
	)
	// Walk the chunk list; fmt describes the encoding, data holds samples.
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, fmt.Errorf("unsupported WAV format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if pcm == nil {
		return nil, errors.New("no data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d, want 16", bitsPerSample)
	}
	if channels < 1 {
		return nil, errors.New("fmt chunk missing or invalid")
	}

	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	samples := make([]float32, frames)
	for i := range frames {
		var sum int
		for ch := range channels {
			off := i*frameBytes + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		samples[i] = float32(sum/channels) / 32768.0
	}
	return samples, nil
}
