package utils

import "math"

// math.go - математические утилиты
//
// Вспомогательные функции для торговли: округление до биржевых шагов,
// расчёт спреда и средневзвешенных цен. Построены на стандартном math,
// так как округление до шага лота и расчёт процентного спреда — это
// арифметика, а не концерн, под который в экосистеме есть отдельная
// библиотека.

// RoundToLotSize округляет qty вниз до ближайшего кратного lotStep.
// Пример: 0.123456 с lotStep 0.001 → 0.123.
func RoundToLotSize(qty, lotStep float64) float64 {
	if lotStep <= 0 {
		return qty
	}
	return math.Floor(qty/lotStep) * lotStep
}

// CeilToLotStep округляет qty вверх до ближайшего кратного lotStep.
// Используется при выборе минимального объёма ноги: если минимум одной
// биржи не кратен шагу другой, результат всё равно исполним на обеих.
func CeilToLotStep(qty, lotStep float64) float64 {
	if lotStep <= 0 {
		return qty
	}
	return math.Ceil(qty/lotStep) * lotStep
}

// CalculateSpread вычисляет спред между двумя ценами в процентах:
// (priceHigh - priceLow) / priceLow * 100.
func CalculateSpread(priceHigh, priceLow float64) float64 {
	if priceLow <= 0 {
		return 0
	}
	return (priceHigh - priceLow) / priceLow * 100
}

// CalculateNetSpread вычитает комиссии обеих ног (открытие и закрытие,
// итого 4 тейкер-сделки) из валового спреда, в процентах.
func CalculateNetSpread(rawSpreadPct, feeLong, feeShort float64) float64 {
	totalFeesPct := 2 * (feeLong + feeShort) * 100
	return rawSpreadPct - totalFeesPct
}

// CalculateWeightedAverage возвращает средневзвешенную цену по уровням
// стакана (price, volume), обычно используемую для VWAP-оценки
// исполнения рыночного ордера.
func CalculateWeightedAverage(prices, volumes []float64) float64 {
	if len(prices) == 0 || len(prices) != len(volumes) {
		return 0
	}
	var totalCost, totalVolume float64
	for i := range prices {
		if volumes[i] < 0 {
			continue
		}
		totalCost += prices[i] * volumes[i]
		totalVolume += volumes[i]
	}
	if totalVolume == 0 {
		return 0
	}
	return totalCost / totalVolume
}
