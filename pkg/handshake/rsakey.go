package handshake

import "math/big"

// leBytesFixed converts b to little-endian bytes of exactly size length,
// zero-padding the high-order end as needed; it panics if b does not fit in
// size bytes. Used for the fixed-width modulus field of the Key frame.
func leBytesFixed(b *big.Int, size int) []byte {
	be := b.FillBytes(make([]byte, size))
	reverse(be)
	return be
}

// leBytesMinimal converts b to minimal-length little-endian bytes (no
// leading -- i.e. trailing in LE order -- zero bytes), used for the Key
// frame's variable-width exponent field.
func leBytesMinimal(b *big.Int) []byte {
	be := b.Bytes()
	reverse(be)
	return be
}

// bigFromLE parses b as a little-endian unsigned integer.
func bigFromLE(b []byte) *big.Int {
	be := make([]byte, len(b))
	copy(be, b)
	reverse(be)
	return new(big.Int).SetBytes(be)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
