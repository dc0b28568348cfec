package device

import "math"

// 模拟 ADC 与热敏电阻参数 (12 位 ADC，15k 分压电阻)
const (
	ADCFullScale = 1 << 12

	kelvinOffset    = 273.15
	dividerOhms     = 15000.0
	referenceOhms   = 15.0e3
	thermistorBeta  = 0.000305267
	referenceKelvin = kelvinOffset + 25.0
)

// ThermistorCelsius 将外部热敏电阻的 ADC 读数换算为摄氏度。
// 使用 C = 0 的简化 Steinhart-Hart 方程。
func ThermistorCelsius(adc uint16) float64 {
	fraction := float64(adc) / ADCFullScale
	if fraction <= 0 || fraction >= 1 {
		return math.NaN()
	}
	r1 := dividerOhms / ((1.0 / fraction) - 1.0)
	a := 1.0 / referenceKelvin
	return (1.0 / (a + thermistorBeta*math.Log(r1/referenceOhms))) - kelvinOffset
}

// ThermistorADC 是 ThermistorCelsius 的反函数，用于模拟设备生成读数
func ThermistorADC(celsius float64) uint16 {
	a := 1.0 / referenceKelvin
	r1 := referenceOhms * math.Exp((1.0/(celsius+kelvinOffset)-a)/thermistorBeta)
	fraction := r1 / (r1 + dividerOhms)
	adc := math.Round(fraction * ADCFullScale)
	return uint16(max(0, min(adc, ADCFullScale-1)))
}
