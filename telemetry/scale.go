package telemetry

import "math"

// Fixed-point scales of the wire format.
const (
	ScalePH   = 10
	ScaleEC   = 100
	ScaleTemp = 10
	ScaleUnit = 1
)

// Scale converts v to its wire integer, rounding half up. The product is
// forced to float64 before the addition so that it cannot be fused into a
// single multiply-add, which would change results at .5 boundaries.
func Scale(v float64, scale float64) int {
	product := float64(v * scale)
	return int(math.Floor(product + 0.5))
}

// Unscale converts a wire integer back to its engineering value.
func Unscale(n int, scale float64) float64 {
	return float64(n) / scale
}
