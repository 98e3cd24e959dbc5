package simd

// Sum returns the sum of the elements of x.
func Sum(x []float64) float64 {
	// Unrolled loop for better pipelining.
	// Accumulation order stays sequential so results match a naive loop.
	var sum float64
	i := 0
	for ; i <= len(x)-4; i += 4 {
		sum += x[i]
		sum += x[i+1]
		sum += x[i+2]
		sum += x[i+3]
	}
	for ; i < len(x); i++ {
		sum += x[i]
	}
	return sum
}

// SumSquares returns the sum of x[i]*x[i].
func SumSquares(x []float64) float64 {
	return DotProduct(x, x)
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Widen copies int32 values into dst as float64.
func Widen(dst []float64, src []int32) {
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = float64(src[i])
		dst[i+1] = float64(src[i+1])
		dst[i+2] = float64(src[i+2])
		dst[i+3] = float64(src[i+3])
	}
	for ; i < len(src); i++ {
		dst[i] = float64(src[i])
	}
}

// Fill sets every element of dst to v.
func Fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}
