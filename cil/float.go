package cil

import (
	"encoding/binary"
	"math"
)

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func encodeFloat32(f float32) uint32 {
	return math.Float32bits(f)
}

func encodeFloat64(f float64) uint64 {
	return math.Float64bits(f)
}
