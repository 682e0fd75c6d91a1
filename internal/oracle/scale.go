package oracle

import (
	"fmt"
	"math"

	"github.com/quickbet/settlement/internal/model"
)

// ScaleTo6dp converts an oracle price mantissa*10^exponent into the fixed
// 6-decimal representation. Scaling down truncates toward zero.
func ScaleTo6dp(mantissa int64, exponent int32) (model.Price6, error) {
	if mantissa < 0 {
		return 0, fmt.Errorf("%w: mantissa %d", model.ErrNegativePrice, mantissa)
	}
	value := uint64(mantissa)
	if value == 0 {
		return 0, nil
	}

	delta := int64(model.PriceDecimals) + int64(exponent)
	switch {
	case delta > 0:
		for i := int64(0); i < delta; i++ {
			if value > math.MaxUint64/10 {
				return 0, fmt.Errorf("%w: scaling %de%d to 6 decimals", model.ErrOverflow, mantissa, exponent)
			}
			value *= 10
		}
	case delta < 0:
		for i := delta; i < 0 && value > 0; i++ {
			value /= 10
		}
	}
	return model.Price6(value), nil
}
