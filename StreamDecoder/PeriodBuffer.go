package StreamDecoder

import "strconv"

// RawFFT 设备 0 号信号通道的名字
const RawFFT = "Raw FFT"

// PeriodBuffer 一个观测周期的数据: 信号类型 -> 频率下标 -> 按到达顺序的数值
type PeriodBuffer map[string]map[string][]float64

// DefaultKinds 默认信号类型表，只认 0 号通道
func DefaultKinds() map[int]string {
	return map[int]string{0: RawFFT}
}

// ToPeriodBuffer 解析一批记录
// 不符合语法的行、未知通道的信号直接跳过 (数据流里本来就会夹杂诊断输出)
func ToPeriodBuffer(records []string, kinds map[int]string) PeriodBuffer {
	extracted := make(PeriodBuffer)
	for _, rec := range records {
		sig, ok := ParseSignal(rec)
		if !ok {
			continue
		}
		kind, ok := kinds[sig.Channel]
		if !ok {
			continue
		}

		if _, ok := extracted[kind]; !ok {
			extracted[kind] = make(map[string][]float64)
		}
		key := strconv.Itoa(sig.Index)
		extracted[kind][key] = append(extracted[kind][key], sig.Value)
	}
	return extracted
}
