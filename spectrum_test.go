package ssvep

import (
	"context"
	"math"
	"testing"
)

const (
	testSampleRate = 256
	testFFTSize    = 256
)

// 生成正弦波辅助函数
func generateSineWave(freq, amplitude, durationSec float64, sampleRate int) []float64 {
	samples := int(durationSec * float64(sampleRate))
	data := make([]float64, samples)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		data[i] = amplitude * math.Sin(2*math.Pi*freq*t)
	}
	return data
}

func TestSpectrometer_Amplitude(t *testing.T) {
	for _, win := range []string{"hann", "blackman", "rect"} {
		sp, err := NewSpectrometer(testSampleRate, testFFTSize, win)
		if err != nil {
			t.Fatalf("NewSpectrometer(%s): %v", win, err)
		}
		mags := sp.Magnitudes(generateSineWave(17, 2.0, 1, testSampleRate), 63)
		if len(mags) != 64 {
			t.Fatalf("%s: expected 64 magnitudes, got %d", win, len(mags))
		}
		// 归一化之后幅度应该接近 2
		if math.Abs(mags[17]-2.0) > 0.05 {
			t.Errorf("%s: magnitude at 17 Hz = %v, want ~2", win, mags[17])
		}
		if mags[30] > 0.05 {
			t.Errorf("%s: magnitude far from the tone = %v, want ~0", win, mags[30])
		}
	}
}

func TestSpectrometer_Peak(t *testing.T) {
	sp, err := NewSpectrometer(testSampleRate, testFFTSize, "blackman")
	if err != nil {
		t.Fatal(err)
	}

	// 精准落在 bin 上
	freq, _ := sp.Peak(generateSineWave(20, 1, 1, testSampleRate), 5, 60)
	if math.Abs(freq-20) > 0.05 {
		t.Errorf("Exact bin: target 20, got %v", freq)
	}

	// 落在两个 bin 中间，靠插值
	freq, _ = sp.Peak(generateSineWave(12.5, 1, 1, testSampleRate), 5, 60)
	if math.Abs(freq-12.5) > 0.3 {
		t.Errorf("Interpolation: target 12.5, got %v", freq)
	}

	// 搜索范围外的强信号被忽略
	mixed := generateSineWave(40, 5, 1, testSampleRate)
	for i, v := range generateSineWave(15, 1, 1, testSampleRate) {
		mixed[i] += v
	}
	freq, _ = sp.Peak(mixed, 5, 30)
	if math.Abs(freq-15) > 0.1 {
		t.Errorf("Range limit: expected 15 Hz inside [5,30), got %v", freq)
	}
}

func TestSpectrometer_ShortInput(t *testing.T) {
	sp, err := NewSpectrometer(testSampleRate, testFFTSize, "hann")
	if err != nil {
		t.Fatal(err)
	}
	// 不足一个窗口时补零，不应该 panic
	mags := sp.Magnitudes(generateSineWave(17, 1, 0.25, testSampleRate), 63)
	if mags[17] <= mags[30] {
		t.Errorf("expected the tone to dominate a zero-padded window: %v vs %v", mags[17], mags[30])
	}
}

func TestGoertzelBank_MatchesFFT(t *testing.T) {
	sp, _ := NewSpectrometer(testSampleRate, testFFTSize, "hann")
	gb, err := NewGoertzelBank(testSampleRate, testFFTSize, "hann")
	if err != nil {
		t.Fatal(err)
	}

	signal := generateSineWave(15, 1, 1.5, testSampleRate)
	for i, v := range generateSineWave(33, 0.4, 1.5, testSampleRate) {
		signal[i] += v
	}

	a := sp.Magnitudes(signal, 63)
	b := gb.Magnitudes(signal, 63)
	for hz := range a {
		if math.Abs(a[hz]-b[hz]) > 1e-6 {
			t.Errorf("%d Hz: fft %v, goertzel %v", hz, a[hz], b[hz])
		}
	}
}

func TestNewAnalyzer(t *testing.T) {
	if _, err := NewAnalyzer("fft", testSampleRate, testFFTSize, "hann"); err != nil {
		t.Errorf("fft: %v", err)
	}
	if _, err := NewAnalyzer("goertzel", testSampleRate, testFFTSize, "blackman"); err != nil {
		t.Errorf("goertzel: %v", err)
	}
	if _, err := NewAnalyzer("wavelet", testSampleRate, testFFTSize, "hann"); err == nil {
		t.Error("expected an error for an unknown method")
	}
	if _, err := NewAnalyzer("fft", testSampleRate, testFFTSize, "kaiser"); err == nil {
		t.Error("expected an error for an unknown window")
	}
}

func TestButterworth_Attenuation(t *testing.T) {
	if _, err := NewButterworthLowpass(3, testSampleRate, 40); err == nil {
		t.Error("odd order should be rejected")
	}

	lp, err := NewButterworthLowpass(4, testSampleRate, 20)
	if err != nil {
		t.Fatal(err)
	}
	rms := func(freq float64) float64 {
		lp.Reset()
		x := generateSineWave(freq, 1, 4, testSampleRate)
		lp.ProcessBlock(x)
		// 跳过开头的暂态
		tail := x[len(x)/2:]
		s := 0.0
		for _, v := range tail {
			s += v * v
		}
		return math.Sqrt(s / float64(len(tail)))
	}

	pass, stop := rms(5), rms(80)
	if math.Abs(pass-math.Sqrt2/2) > 0.05 {
		t.Errorf("passband rms = %v, want ~0.707", pass)
	}
	if stop > 0.05 {
		t.Errorf("stopband rms = %v, want < 0.05", stop)
	}
}

func TestSynth_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, _ := NewSynth(testSampleRate, 17, 1, 0.5, 40, 7)
	b, _ := NewSynth(testSampleRate, 17, 1, 0.5, 40, 7)

	x, _ := a.ReadSamples(ctx, 300)
	y, _ := b.ReadSamples(ctx, 300)
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("sample %d differs: %v vs %v", i, x[i], y[i])
		}
	}

	// 切换频率后谱峰跟着移动
	a.SetFrequency(12)
	a.SetNoise(0)
	sp, _ := NewSpectrometer(testSampleRate, testFFTSize, "hann")
	s, _ := a.ReadSamples(ctx, testFFTSize)
	freq, _ := sp.Peak(s, 5, 60)
	if math.Abs(freq-12) > 0.2 {
		t.Errorf("after SetFrequency(12) peak at %v", freq)
	}
	if a.Frequency() != 12 {
		t.Errorf("Frequency() = %v", a.Frequency())
	}
}
