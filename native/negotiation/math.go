package negotiation

import (
	"math"

	"github.com/holiman/uint256"
)

var bpsDenominator = uint256.NewInt(BpsDenominator)

// applyBps returns value*bps/10000, truncating. The product is computed in 256
// bits and the quotient must fit back into 64 bits.
func applyBps(value uint64, bps uint16) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(value), uint256.NewInt(uint64(bps)))
	if overflow {
		return 0, ErrOverflow
	}
	quotient := new(uint256.Int).Div(product, bpsDenominator)
	if !quotient.IsUint64() {
		return 0, ErrOverflow
	}
	return quotient.Uint64(), nil
}

func addU64(a, b uint64) (uint64, error) {
	sum := new(uint256.Int).Add(uint256.NewInt(a), uint256.NewInt(b))
	if !sum.IsUint64() {
		return 0, ErrOverflow
	}
	return sum.Uint64(), nil
}

func subU64(a, b uint64) (uint64, error) {
	diff, underflow := new(uint256.Int).SubOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if underflow {
		return 0, ErrOverflow
	}
	return diff.Uint64(), nil
}

func addI64(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

func incU8(v uint8) (uint8, error) {
	if v == math.MaxUint8 {
		return 0, ErrOverflow
	}
	return v + 1, nil
}
