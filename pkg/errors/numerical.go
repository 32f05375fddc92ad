package errors

import (
	"math"
)

// divisionEpsilon 未満の分母はゼロとみなす
const divisionEpsilon = 1e-10

// CheckScalar は損失などのスカラー値がNaNまたはInfでないことを確認する。
// iteration にはエポック番号などを渡す。
func CheckScalar(operation string, value float64, iteration int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return NewNumericalInstabilityError(operation, []float64{value}, iteration)
	}
	return nil
}

// SafeDivide は分母がゼロに近い場合に0を返す除算。
// 空のエポックの平均損失や、サンプル0件の正解率に使う。
func SafeDivide(numerator, denominator float64) float64 {
	if math.Abs(denominator) < divisionEpsilon {
		return 0
	}
	return numerator / denominator
}
