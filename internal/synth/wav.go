package synth

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
)

// HeaderSize is the length of the canonical RIFF/WAVE header written by EncodeWAV.
const HeaderSize = 44

// maxDataLen keeps the RIFF chunk size (36 + data) within 32 bits.
const maxDataLen = math.MaxUint32 - (HeaderSize - 8)

// EncodeWAV encodes samples as a canonical PCM WAVE container. Samples are clamped
// to [-1, 1] and scaled with floor(s * 32767). It fails with ErrInvalidArgument
// when the format or the payload size cannot be represented in the header.
func EncodeWAV(samples []float64, format Format) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	dataLen, err := payloadSize(len(samples), format)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+dataLen)
	le := binary.LittleEndian

	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1) // linear PCM
	le.PutUint16(buf[22:24], uint16(format.Channels))
	le.PutUint32(buf[24:28], uint32(format.SampleRate))
	le.PutUint32(buf[28:32], uint32(format.ByteRate()))
	le.PutUint16(buf[32:34], uint16(format.BlockAlign()))
	le.PutUint16(buf[34:36], uint16(format.BitDepth))
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(dataLen))

	offset := HeaderSize
	for _, s := range samples {
		le.PutUint16(buf[offset:offset+2], uint16(quantize(s)))
		offset += BytesPerSample
	}
	return buf, nil
}

func payloadSize(sampleCount int, format Format) (int, error) {
	if int64(sampleCount) > maxDataLen/int64(format.BlockAlign()) {
		return 0, fmt.Errorf("%w: %d samples exceed the WAVE size limit", errs.ErrInvalidArgument, sampleCount)
	}
	return sampleCount * format.BlockAlign(), nil
}

func quantize(s float64) int16 {
	clamped := math.Max(-1, math.Min(1, s))
	return int16(math.Floor(clamped * math.MaxInt16))
}
