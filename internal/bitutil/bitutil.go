package bitutil

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

// RoundDown rounds v down to the nearest multiple of factor.
// factor must be a positive power of two.
func RoundDown(v, factor int64) int64 {
	return v &^ (factor - 1)
}

// RoundUp rounds v up to the nearest multiple of factor.
// factor must be a positive power of two.
func RoundUp(v, factor int64) int64 {
	return (v + factor - 1) &^ (factor - 1)
}
