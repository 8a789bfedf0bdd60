package ssvep

import (
	"math"

	"github.com/pkg/errors"
)

// biquad 二阶 IIR 节 (直接 II 型转置)
type biquad struct {
	a0, a1, a2, b1, b2 float64
	z1, z2             float64
}

func (f *biquad) process(in float64) float64 {
	out := in*f.a0 + f.z1
	f.z1 = in*f.a1 - out*f.b1 + f.z2
	f.z2 = in*f.a2 - out*f.b2
	return out
}

// Butterworth 由若干二阶节级联的巴特沃斯低通
// 模拟器用它给白噪声整形，得到类似脑电的低频噪声
type Butterworth struct {
	sections []*biquad
}

// NewButterworthLowpass 创建 order 阶低通，order 必须是正偶数
func NewButterworthLowpass(order int, sampleRate, cutoff float64) (*Butterworth, error) {
	if order <= 0 || order%2 != 0 {
		return nil, errors.Errorf("butterworth order must be a positive even number, got %d", order)
	}
	if sampleRate <= 0 || cutoff <= 0 {
		return nil, errors.Errorf("bad lowpass parameters: rate %v cutoff %v", sampleRate, cutoff)
	}
	// 太接近 Nyquist 时 tan 发散
	if cutoff >= sampleRate*0.499 {
		cutoff = sampleRate * 0.499
	}

	// 双线性变换，先做频率预畸变
	w := 2.0 * sampleRate * math.Tan(math.Pi*cutoff/sampleRate)
	k2 := 4.0 * sampleRate * sampleRate

	half := order / 2
	sections := make([]*biquad, half)
	for i := 0; i < half; i++ {
		// 低 Q 的节放在前面
		pole := (half - 1) - i
		theta := math.Pi * (2.0*float64(pole) + 1.0) / (2.0 * float64(order))

		re := -w * math.Sin(theta)
		im := w * math.Cos(theta)
		mag2 := re*re + im*im

		alpha := k2 - 4.0*sampleRate*re + mag2
		sections[i] = &biquad{
			a0: w * w / alpha,
			a1: 2.0 * w * w / alpha,
			a2: w * w / alpha,
			b1: (-2.0*k2 + 2.0*mag2) / alpha,
			b2: (k2 + 4.0*sampleRate*re + mag2) / alpha,
		}
	}
	return &Butterworth{sections: sections}, nil
}

// Process 处理一个采样点
func (f *Butterworth) Process(in float64) float64 {
	out := in
	for _, s := range f.sections {
		out = s.process(out)
	}
	return out
}

// ProcessBlock 原地处理一段采样
func (f *Butterworth) ProcessBlock(samples []float64) {
	for i, v := range samples {
		samples[i] = f.Process(v)
	}
}

// Reset 清空延迟线
func (f *Butterworth) Reset() {
	for _, s := range f.sections {
		s.z1, s.z2 = 0, 0
	}
}
