package ssvep

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// SampleSource 模拟器的时域采样来源
// ReadSamples 返回最多 n 个采样，没有更多数据时返回 io.EOF
type SampleSource interface {
	ReadSamples(ctx context.Context, n int) ([]float64, error)
	Close() error
}

// Synth 合成 SSVEP 样的信号: 刺激频率上的正弦 + 低通整形的高斯噪声
// 相位连续，切换频率不会产生跳变
type Synth struct {
	SampleRate float64

	mu        sync.Mutex
	frequency float64
	amplitude float64
	noise     float64
	phase     float64
	lowpass   *Butterworth
	rng       *rand.Rand
}

// NewSynth 创建合成信号源
// band 为噪声的低通截止频率，<= 0 表示白噪声
func NewSynth(sampleRate int, frequency, amplitude, noise, band float64, seed int64) (*Synth, error) {
	if sampleRate <= 0 {
		return nil, errors.Errorf("bad sample rate %d", sampleRate)
	}
	s := &Synth{
		SampleRate: float64(sampleRate),
		frequency:  frequency,
		amplitude:  amplitude,
		noise:      noise,
		rng:        rand.New(rand.NewSource(seed)),
	}
	if band > 0 {
		lp, err := NewButterworthLowpass(4, s.SampleRate, band)
		if err != nil {
			return nil, err
		}
		s.lowpass = lp
	}
	return s, nil
}

// SetFrequency 切换注视的刺激频率，0 表示只有噪声
func (s *Synth) SetFrequency(f float64) {
	s.mu.Lock()
	s.frequency = f
	s.mu.Unlock()
}

// Frequency 当前刺激频率
func (s *Synth) Frequency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// SetNoise 调整噪声幅度
func (s *Synth) SetNoise(noise float64) {
	s.mu.Lock()
	s.noise = noise
	s.mu.Unlock()
}

// ReadSamples 实现 SampleSource，永远不会结束
func (s *Synth) ReadSamples(ctx context.Context, n int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, n)
	step := 2 * math.Pi * s.frequency / s.SampleRate
	for i := range out {
		v := 0.0
		if s.frequency > 0 {
			v = s.amplitude * math.Sin(s.phase)
			s.phase = math.Mod(s.phase+step, 2*math.Pi)
		}
		nv := s.rng.NormFloat64() * s.noise
		if s.lowpass != nil {
			nv = s.lowpass.Process(nv)
		}
		out[i] = v + nv
	}
	return out, nil
}

// Close 实现 SampleSource
func (s *Synth) Close() error {
	return nil
}
