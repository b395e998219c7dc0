package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes an embedding as little-endian float32 bytes.
// Both adapters store vectors in this format (SQLite BLOB, Badger value).
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes an embedding written by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: vector blob length %d not a multiple of 4", ErrInvalidArgument, len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// ValidateVectorRows checks a batch against the store's configured dimension
// before any write. Dimension mismatches are rejected at the ingestion
// boundary, never truncated.
func ValidateVectorRows(rows []ObservationVector, dims int) error {
	for _, row := range rows {
		if len(row.Embedding) != dims {
			return fmt.Errorf("%w: observation %s embedding has %d dimensions, store expects %d",
				ErrInvalidArgument, row.ObservationID, len(row.Embedding), dims)
		}
		if row.ObservationID == "" || row.EntityID == "" {
			return fmt.Errorf("%w: vector row missing observation or entity id", ErrInvalidArgument)
		}
	}
	return nil
}
