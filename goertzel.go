package ssvep

import (
	"math"

	"github.com/pkg/errors"
)

// Goertzel 计算单个频率上的能量
type Goertzel struct {
	coeff  float64
	q1, q2 float64
}

// NewGoertzel 初始化
// coeff = 2cos(2π f / fs)，f 不必落在 bin 上
func NewGoertzel(sampleRate, targetFreq float64) *Goertzel {
	return &Goertzel{coeff: 2.0 * math.Cos(2.0*math.Pi*targetFreq/sampleRate)}
}

// Reset 每处理完一块数据后调用
func (g *Goertzel) Reset() {
	g.q1, g.q2 = 0, 0
}

// ProcessSample 处理单个采样点
func (g *Goertzel) ProcessSample(sample float64) {
	q0 := g.coeff*g.q1 - g.q2 + sample
	g.q2 = g.q1
	g.q1 = q0
}

// Magnitude 当前块在目标频率上的 DFT 幅度
func (g *Goertzel) Magnitude() float64 {
	m2 := g.q1*g.q1 + g.q2*g.q2 - g.q1*g.q2*g.coeff
	if m2 < 0 {
		return 0
	}
	return math.Sqrt(m2)
}

// GoertzelBank 每个整数频率一个 Goertzel，只算需要的频率
// 输出和 Spectrometer 使用同样的归一化
type GoertzelBank struct {
	SampleRate float64
	BlockSize  int

	window []float64
	gain   float64
	bank   []*Goertzel
}

// NewGoertzelBank 创建滤波器组，频率在第一次 Magnitudes 时按需生成
func NewGoertzelBank(sampleRate, blockSize int, windowName string) (*GoertzelBank, error) {
	if sampleRate <= 0 || blockSize < 2 {
		return nil, errors.Errorf("bad goertzel parameters: rate %d size %d", sampleRate, blockSize)
	}
	w, err := NewWindow(windowName, blockSize)
	if err != nil {
		return nil, err
	}
	return &GoertzelBank{
		SampleRate: float64(sampleRate),
		BlockSize:  blockSize,
		window:     w,
		gain:       sum(w),
	}, nil
}

// Size 实现 Analyzer
func (b *GoertzelBank) Size() int {
	return b.BlockSize
}

// Magnitudes 实现 Analyzer
func (b *GoertzelBank) Magnitudes(samples []float64, maxHz int) []float64 {
	for hz := len(b.bank); hz <= maxHz; hz++ {
		b.bank = append(b.bank, NewGoertzel(b.SampleRate, float64(hz)))
	}

	// 与 Spectrometer 一致: 取最后 BlockSize 个，不足补零
	block := make([]float64, b.BlockSize)
	if len(samples) >= b.BlockSize {
		copy(block, samples[len(samples)-b.BlockSize:])
	} else {
		copy(block[b.BlockSize-len(samples):], samples)
	}
	for i := range block {
		block[i] *= b.window[i]
	}

	nyquist := b.SampleRate / 2
	out := make([]float64, maxHz+1)
	for hz := 0; hz <= maxHz; hz++ {
		if float64(hz) > nyquist {
			break
		}
		g := b.bank[hz]
		g.Reset()
		for _, v := range block {
			g.ProcessSample(v)
		}
		m := g.Magnitude() / b.gain
		if hz != 0 && float64(hz) != nyquist {
			m *= 2
		}
		out[hz] = m
	}
	return out
}
