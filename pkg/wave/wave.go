// Package wave reads and writes minimal mono 16-bit PCM WAV files. It
// exists for the command line tooling and the tests; it is not a general
// purpose WAV implementation and rejects anything but uncompressed mono
// 16-bit payloads.
package wave

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode wraps mono float32 samples into a 16-bit PCM WAV file. Samples
// outside [-1, 1] are clipped.
func Encode(samples []float32, sampleRate int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(math.Round(float64(s)*32767))))
	}

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// Decode parses a mono 16-bit PCM WAV file and returns the samples scaled
// into [-1, 1] together with the sample rate.
func Decode(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var sampleRate int
	var haveFormat bool
	var pcm []byte

	// Walk the chunks; writers are allowed to put LIST/fact chunks between
	// fmt and data.
	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, fmt.Errorf("truncated %q chunk: %d byte(s) declared, %d available", id, size, len(data)-body)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("malformed fmt chunk: %d byte(s)", size)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			channels := binary.LittleEndian.Uint16(data[body+2:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 {
				return nil, 0, fmt.Errorf("unsupported WAV format tag %d: only uncompressed PCM is supported", format)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("unsupported channel count %d: only mono is supported", channels)
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d: only 16-bit is supported", bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFormat = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}

	if !haveFormat {
		return nil, 0, fmt.Errorf("no fmt chunk found")
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("no data chunk found")
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return samples, sampleRate, nil
}
