package voxutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func IsPow2[T Number](number T) bool {
	return number != 0 && number&(number-1) == 0
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two that is >= value. value must be positive.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(uint64(value-1)))
}

// PrevPow2 returns the largest power of two that is <= value. value must be positive.
func PrevPow2(value int) int {
	return 1 << (63 - bits.LeadingZeros64(uint64(value)))
}
