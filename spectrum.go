package ssvep

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"
)

// Analyzer 把一段时域采样变成每个整数频率 (0..maxHz) 的幅度
// 幅度已按窗函数增益归一化，幅度为 A 的正弦在其频率上读数约为 A
type Analyzer interface {
	Magnitudes(samples []float64, maxHz int) []float64
	// Size 一次分析使用的采样数
	Size() int
}

// NewWindow 按名字生成窗函数
func NewWindow(name string, n int) ([]float64, error) {
	switch name {
	case "hann", "":
		return window.Hann(n), nil
	case "blackman":
		return window.Blackman(n), nil
	case "rect":
		return window.Rectangular(n), nil
	}
	return nil, errors.Errorf("unknown window %q", name)
}

// NewAnalyzer 按配置创建频谱分析方法
func NewAnalyzer(method string, sampleRate, size int, windowName string) (Analyzer, error) {
	switch method {
	case "fft", "":
		return NewSpectrometer(sampleRate, size, windowName)
	case "goertzel":
		return NewGoertzelBank(sampleRate, size, windowName)
	}
	return nil, errors.Errorf("unknown analysis method %q", method)
}

// Spectrometer 用 FFT 计算幅度谱
type Spectrometer struct {
	SampleRate float64
	FFTSize    int

	window []float64
	gain   float64 // 窗函数系数之和
}

// NewSpectrometer 创建 FFT 分析器
// 频率分辨率为 sampleRate / fftSize
func NewSpectrometer(sampleRate, fftSize int, windowName string) (*Spectrometer, error) {
	if sampleRate <= 0 || fftSize < 2 {
		return nil, errors.Errorf("bad spectrometer parameters: rate %d size %d", sampleRate, fftSize)
	}
	w, err := NewWindow(windowName, fftSize)
	if err != nil {
		return nil, err
	}
	return &Spectrometer{
		SampleRate: float64(sampleRate),
		FFTSize:    fftSize,
		window:     w,
		gain:       sum(w),
	}, nil
}

// Size 实现 Analyzer
func (s *Spectrometer) Size() int {
	return s.FFTSize
}

// Spectrum 取最后 FFTSize 个采样加窗后做 FFT，返回 0..N/2 的单边幅度
// 数据不足时前面补零
func (s *Spectrometer) Spectrum(samples []float64) []float64 {
	in := make([]float64, s.FFTSize)
	if len(samples) >= s.FFTSize {
		copy(in, samples[len(samples)-s.FFTSize:])
	} else {
		copy(in[s.FFTSize-len(samples):], samples)
	}
	for i := range in {
		in[i] *= s.window[i]
	}

	out := fft.FFTReal(in)
	half := s.FFTSize / 2
	mags := make([]float64, half+1)
	for k := 0; k <= half; k++ {
		m := cmplx.Abs(out[k]) / s.gain
		if k != 0 && k != half {
			m *= 2
		}
		mags[k] = m
	}
	return mags
}

// Magnitudes 实现 Analyzer
// 整数频率不落在 bin 上时在相邻两个 bin 之间线性插值
func (s *Spectrometer) Magnitudes(samples []float64, maxHz int) []float64 {
	spec := s.Spectrum(samples)
	binWidth := s.SampleRate / float64(s.FFTSize)

	out := make([]float64, maxHz+1)
	for hz := 0; hz <= maxHz; hz++ {
		pos := float64(hz) / binWidth
		lo := int(math.Floor(pos))
		if lo >= len(spec)-1 {
			// 超过 Nyquist
			if lo == len(spec)-1 && pos == float64(lo) {
				out[hz] = spec[lo]
			}
			continue
		}
		frac := pos - float64(lo)
		out[hz] = spec[lo]*(1-frac) + spec[lo+1]*frac
	}
	return out
}

// Peak 在 [minHz, maxHz) 内找幅度最大的频率，用抛物线插值细化
// 返回频率和该 bin 的幅度
func (s *Spectrometer) Peak(samples []float64, minHz, maxHz float64) (float64, float64) {
	spec := s.Spectrum(samples)
	binWidth := s.SampleRate / float64(s.FFTSize)

	lo := int(minHz / binWidth)
	hi := int(maxHz / binWidth)
	if lo < 0 {
		lo = 0
	}
	if hi > len(spec) {
		hi = len(spec)
	}

	best, bestMag := -1, -1.0
	for k := lo; k < hi; k++ {
		if spec[k] > bestMag {
			best, bestMag = k, spec[k]
		}
	}
	if best < 0 {
		return 0, 0
	}
	if best == 0 || best >= len(spec)-1 {
		return float64(best) * binWidth, bestMag
	}

	y1, y2, y3 := spec[best-1], bestMag, spec[best+1]
	delta := 0.0
	if d := 2 * (2*y2 - y1 - y3); d != 0 {
		delta = (y3 - y1) / d
	}
	return (float64(best) + delta) * binWidth, bestMag
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}
