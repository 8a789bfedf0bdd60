package ssvep

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"ssvep/StreamDecoder"
)

// limitedSource 只提供固定数量的采样，之后返回 io.EOF
type limitedSource struct {
	SampleSource
	left int
}

func (l *limitedSource) ReadSamples(ctx context.Context, n int) ([]float64, error) {
	if l.left <= 0 {
		return nil, io.EOF
	}
	if n > l.left {
		n = l.left
	}
	s, err := l.SampleSource.ReadSamples(ctx, n)
	l.left -= len(s)
	return s, err
}

// testConfig 不按实时节奏输出的模拟器配置
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Emulator.Realtime = false
	cfg.Emulator.Amplitude = 0.5
	cfg.Emulator.Noise = 0.5
	cfg.Training.Channels = []string{"12 Hz", "17 Hz", "20 Hz"}
	cfg.Training.Seed = 1
	return cfg
}

// emulate 生成 batches 批设备输出，被试注视 freq
func emulate(t *testing.T, cfg *Config, freq float64, batches int, seed int64) []byte {
	t.Helper()
	synth, err := NewSynth(cfg.Emulator.SampleRate, freq, cfg.Emulator.Amplitude, cfg.Emulator.Noise, cfg.Emulator.NoiseBand, seed)
	if err != nil {
		t.Fatalf("NewSynth: %v", err)
	}
	em, err := NewEmulator(cfg, nil)
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	em.Source = &limitedSource{SampleSource: synth, left: batches * em.Hop()}

	var buf bytes.Buffer
	if err := em.Run(context.Background(), &buf); err != nil {
		t.Fatalf("emulator run: %v", err)
	}
	if em.Batches() != batches {
		t.Fatalf("expected %d batches, got %d", batches, em.Batches())
	}
	return buf.Bytes()
}

func TestEmulator_BatchLayout(t *testing.T) {
	cfg := testConfig()
	cfg.Emulator.MaxIndex = 5
	cfg.Emulator.Channels = 2
	cfg.Emulator.StartStamp = 65000

	out := emulate(t, cfg, 17, 3, 1)
	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")

	perBatch := 1 + 2*6
	if len(lines) != 3*perBatch {
		t.Fatalf("expected %d lines, got %d", 3*perBatch, len(lines))
	}

	// 时钟 16 位回绕
	wantHeaders := []string{"SourceTime 65000", "SourceTime 65500", "SourceTime 464"}
	for i, want := range wantHeaders {
		if got := lines[i*perBatch]; got != want {
			t.Errorf("batch %d header = %q, want %q", i, got, want)
		}
	}

	if !strings.HasPrefix(lines[1], "Signal(0,0) ") {
		t.Errorf("batch should start with Signal(0,0), got %q", lines[1])
	}
	if !strings.HasPrefix(lines[perBatch-1], "Signal(1,5) ") {
		t.Errorf("batch should end with Signal(1,5), got %q", lines[perBatch-1])
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "Signal") {
			if _, ok := StreamDecoder.ParseSignal(l); !ok {
				t.Errorf("emulated record does not parse: %q", l)
			}
		}
	}
}

func TestEmulator_DecodesThroughStreamDecoder(t *testing.T) {
	cfg := testConfig()
	out := emulate(t, cfg, 17, 8, 3)

	ctx := context.Background()
	dec := StreamDecoder.NewDecoder(StreamDecoder.NewReaderSource(bytes.NewReader(out), 4096))
	sentinel, err := dec.DetectSentinel(ctx)
	if err != nil {
		t.Fatalf("DetectSentinel: %v", err)
	}
	if sentinel.String() != `Signal\(0,63\)` {
		t.Errorf("sentinel = %s", sentinel)
	}

	header := StreamDecoder.HeaderPattern()
	last, err := dec.DiscardUntilSentinel(ctx, sentinel, header)
	if err != nil {
		t.Fatalf("DiscardUntilSentinel: %v", err)
	}
	w, err := dec.Collect(ctx, cfg.Decision.Period, header, sentinel, last)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if w.Elapsed != cfg.Stream.HeaderPeriod {
		t.Errorf("elapsed = %v, want %v", w.Elapsed, cfg.Stream.HeaderPeriod)
	}

	buf := dec.ToPeriodBuffer(w.Records)
	raw := buf[StreamDecoder.RawFFT]
	if len(raw) != 64 {
		t.Fatalf("expected 64 frequencies, got %d", len(raw))
	}
	best, bestV := "", -1.0
	for k, v := range raw {
		if len(v) != 1 {
			t.Fatalf("frequency %s has %d values in one period", k, len(v))
		}
		if k != "0" && v[0] > bestV {
			best, bestV = k, v[0]
		}
	}
	if best != "17" {
		t.Errorf("strongest frequency = %s Hz, want 17", best)
	}
}

func TestEmulator_Goertzel(t *testing.T) {
	cfg := testConfig()
	cfg.Emulator.Method = "goertzel"
	cfg.Emulator.Noise = 0

	var peaks []int
	em, err := NewEmulator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	synth, _ := NewSynth(cfg.Emulator.SampleRate, 20, 1, 0, 0, 1)
	em.Source = &limitedSource{SampleSource: synth, left: 4 * em.Hop()}
	em.OnBatch = func(stamp int, mags []float64) {
		best := 1
		for hz := 1; hz < len(mags); hz++ {
			if mags[hz] > mags[best] {
				best = hz
			}
		}
		peaks = append(peaks, best)
	}
	if err := em.Run(context.Background(), io.Discard); err != nil {
		t.Fatal(err)
	}
	if len(peaks) != 4 {
		t.Fatalf("expected 4 batches, got %d", len(peaks))
	}
	for i, p := range peaks {
		if p != 20 {
			t.Errorf("batch %d peak at %d Hz, want 20", i, p)
		}
	}
}

func TestEmulator_Cancelled(t *testing.T) {
	cfg := testConfig()
	em, err := NewEmulator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	synth, _ := NewSynth(cfg.Emulator.SampleRate, 17, 1, 0.5, 40, 1)
	em.Source = synth

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := em.Run(ctx, io.Discard); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWav_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	ww, err := NewWavWriter(path, testSampleRate)
	if err != nil {
		t.Fatal(err)
	}
	in := generateSineWave(17, 0.5, 1, testSampleRate)
	if err := ww.WriteSamples(in[:100]); err != nil {
		t.Fatal(err)
	}
	if err := ww.WriteSamples(in[100:]); err != nil {
		t.Fatal(err)
	}
	if err := ww.Close(); err != nil {
		t.Fatal(err)
	}

	wr, err := NewWavReader(path)
	if err != nil {
		t.Fatalf("NewWavReader: %v", err)
	}
	defer wr.Close()
	if wr.SampleRate != testSampleRate || wr.Channels != 1 {
		t.Errorf("header: rate %d channels %d", wr.SampleRate, wr.Channels)
	}

	ctx := context.Background()
	var out []float64
	for {
		s, err := wr.ReadSamples(ctx, 100)
		out = append(out, s...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(out) != len(in) {
		t.Fatalf("read %d samples, wrote %d", len(out), len(in))
	}
	for i := range in {
		if d := in[i] - out[i]; d > 1e-4 || d < -1e-4 {
			t.Fatalf("sample %d: wrote %v, read %v", i, in[i], out[i])
		}
	}
}

func TestNewSampleSource_Wav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	ww, err := NewWavWriter(path, 128)
	if err != nil {
		t.Fatal(err)
	}
	ww.WriteSamples(generateSineWave(10, 0.5, 1, 128))
	ww.Close()

	cfg := testConfig()
	cfg.Emulator.Source = EmulatorWav
	cfg.Emulator.WavFile = path
	src, err := NewSampleSource(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if cfg.Emulator.SampleRate != 128 {
		t.Errorf("sample rate should follow the file, got %d", cfg.Emulator.SampleRate)
	}

	cfg.Emulator.Source = "tape"
	if _, err := NewSampleSource(cfg, 0); err == nil {
		t.Error("expected an error for an unknown emulator source")
	}
}
