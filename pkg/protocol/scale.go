package protocol

import (
	"math"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	if places <= 0 {
		return math.Round(v)
	}
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// ScaleInt applies coefficient and precision to an integer-family reading.
// The scaled value is rounded and truncated back to an integer, so 123 with
// coefficient 0.1 becomes 12.
func ScaleInt(v, coefficient float64, precision int) model.Value {
	return model.I64(int64(RoundTo(v*coefficient, precision)))
}

// ScaleFloat applies coefficient and precision to a float-family reading.
func ScaleFloat(v, coefficient float64, precision int) model.Value {
	return model.F64(RoundTo(v*coefficient, precision))
}
