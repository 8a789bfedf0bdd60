package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"ssvep"
	"ssvep/DecisionEngine"
	"ssvep/Features"
	"ssvep/NaiveBayes"
	"ssvep/StreamDecoder"
)

// ============================================================================
// 1. 测试场景 (Scenarios)
// ============================================================================

type TestCase struct {
	Name      string
	Noise     float64 // 噪声幅度，刺激响应幅度固定为 Amplitude
	Amplitude float64
	Method    string // fft / goertzel
	Mode      string // latched / bayes
	Threshold float64
}

func testCases() []TestCase {
	var cases []TestCase
	levels := []struct {
		name  string
		noise float64
	}{
		{"Level 1 (Easy)", 0.5},
		{"Level 2 (Medium)", 2.0},
		{"Level 3 (Hard)", 4.0},
	}
	for _, l := range levels {
		for _, mode := range []string{ssvep.ModeLatched, ssvep.ModeBayes} {
			cases = append(cases, TestCase{
				Name: l.name, Noise: l.noise, Amplitude: 0.5,
				Method: "fft", Mode: mode, Threshold: 0.95,
			})
		}
	}
	cases = append(cases, TestCase{
		Name: "Level 2 (Goertzel)", Noise: 2.0, Amplitude: 0.5,
		Method: "goertzel", Mode: ssvep.ModeLatched, Threshold: 0.95,
	})
	return cases
}

// ============================================================================
// 2. 设备数据生成 (Device Emulation)
// ============================================================================

// Generator 生成受试者注视某个频率时设备送出的字节流
type Generator struct {
	cfg  *ssvep.Config
	seed int64
}

// Emulate 输出 batches 批数据
func (g *Generator) Emulate(freq float64, batches int) ([]byte, error) {
	g.seed++
	e := g.cfg.Emulator
	synth, err := ssvep.NewSynth(e.SampleRate, freq, e.Amplitude, e.Noise, e.NoiseBand, g.seed)
	if err != nil {
		return nil, err
	}
	em, err := ssvep.NewEmulator(g.cfg, nil)
	if err != nil {
		return nil, err
	}
	em.Source = &limited{SampleSource: synth, left: batches * em.Hop()}

	var buf bytes.Buffer
	if err := em.Run(context.Background(), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// limited 只提供固定数量的采样
type limited struct {
	ssvep.SampleSource
	left int
}

func (l *limited) ReadSamples(ctx context.Context, n int) ([]float64, error) {
	if l.left <= 0 {
		return nil, io.EOF
	}
	s, err := l.SampleSource.ReadSamples(ctx, min(n, l.left))
	l.left -= len(s)
	return s, err
}

// Periods 把字节流解码成逐周期的数据，丢掉校准和对齐用掉的批次
func Periods(cfg *ssvep.Config, raw []byte) ([]StreamDecoder.PeriodBuffer, error) {
	ctx := context.Background()
	dec := StreamDecoder.NewDecoder(StreamDecoder.NewReaderSource(bytes.NewReader(raw), cfg.Source.ChunkSize))
	dec.HeaderPeriod = cfg.Stream.HeaderPeriod
	header := StreamDecoder.HeaderPattern()

	sentinel, err := dec.DetectSentinel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "detect sentinel")
	}
	last, err := dec.DiscardUntilSentinel(ctx, sentinel, header)
	if err != nil {
		return nil, errors.Wrap(err, "align")
	}

	var out []StreamDecoder.PeriodBuffer
	for {
		w, err := dec.Collect(ctx, cfg.Decision.Period, header, sentinel, last)
		if errors.Is(err, StreamDecoder.ErrSourceClosed) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		last = w.LastStamp
		out = append(out, dec.ToPeriodBuffer(w.Records))
	}
}

// ============================================================================
// 3. 离线训练 (Training)
// ============================================================================

func Train(cfg *ssvep.Config, g *Generator, trials int, trialLength time.Duration) (*ssvep.TrainResult, error) {
	freqs, err := cfg.Frequencies()
	if err != nil {
		return nil, err
	}
	batches := int(trialLength / cfg.Stream.HeaderPeriod)
	data := Features.NewTrainingData(freqs)

	for trial := 1; trial <= trials; trial++ {
		for i, ch := range cfg.Training.Channels {
			raw, err := g.Emulate(float64(freqs[i]), batches+3)
			if err != nil {
				return nil, err
			}
			periods, err := Periods(cfg, raw)
			if err != nil {
				return nil, err
			}
			// 把逐周期的数据拼回一次试验
			merged := make(map[string]map[string][]float64)
			for _, p := range periods {
				for kind, dict := range p {
					if merged[kind] == nil {
						merged[kind] = make(map[string][]float64)
					}
					for f, v := range dict {
						merged[kind][f] = append(merged[kind][f], v...)
					}
				}
			}
			data.AddTrial(strconv.Itoa(trial), ch, merged)
		}
	}
	return ssvep.TrainModel(cfg, data)
}

// ============================================================================
// 4. 在线评分 (Scoring Engine)
// ============================================================================

type Score struct {
	Targets  int
	Correct  int
	Wrong    int
	Missed   int // 周期上限内没有给出结果
	Latency  time.Duration
	Decided  int
	Compute  time.Duration
	Accuracy float64 // 离线交叉验证
}

// Online 每个目标重新开始一个决策周期，记录第一次给出的结果
func Online(cfg *ssvep.Config, g *Generator, clf *NaiveBayes.Classifier, sel *Features.Selector, targets int, rng *rand.Rand) (Score, error) {
	var s Score
	freqs, _ := cfg.Frequencies()
	engine := cfg.NewEngine(clf.Priors())
	maxPeriods := 2 * int(cfg.Decision.Limit/cfg.Decision.Period)

	for n := 0; n < targets; n++ {
		i := rng.Intn(len(freqs))
		want := cfg.Training.Channels[i]
		raw, err := g.Emulate(float64(freqs[i]), maxPeriods+3)
		if err != nil {
			return s, err
		}
		periods, err := Periods(cfg, raw)
		if err != nil {
			return s, err
		}

		s.Targets++
		engine.Reset()
		start := time.Now()
		var result *DecisionEngine.Event
		for _, p := range periods {
			// 不完整的周期用空后验占位，和在线系统一样计时
			posterior := DecisionEngine.Posterior{}
			if vec, err := sel.Vector(p[cfg.Features.Kind]); err == nil {
				if _, posterior, err = clf.Predict(vec); err != nil {
					return s, err
				}
			}
			for _, ev := range engine.Step(posterior) {
				if ev.Kind.Terminal() && result == nil {
					ev := ev
					result = &ev
				}
			}
			if result != nil {
				break
			}
		}
		s.Compute += time.Since(start)

		switch {
		case result == nil || result.Kind == DecisionEngine.NoDecision:
			s.Missed++
		case result.Label == want:
			s.Correct++
		default:
			s.Wrong++
		}
		if result != nil && result.Kind == DecisionEngine.Decision {
			s.Decided++
			s.Latency += time.Duration(result.Step) * cfg.Decision.Period
		}
	}
	return s, nil
}

func RunBenchmark(targets int, seed int64) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMETHOD\tMODE\tNOISE\tCV(%)\tACC(%)\tMISS\tLATENCY(s)\tTIME(ms)\tSTATUS")
	fmt.Fprintln(w, "-----\t------\t----\t-----\t-----\t------\t----\t----------\t--------\t------")

	for _, tc := range testCases() {
		cfg := ssvep.DefaultConfig()
		cfg.Emulator.Realtime = false
		cfg.Emulator.Method = tc.Method
		cfg.Emulator.Noise = tc.Noise
		cfg.Emulator.Amplitude = tc.Amplitude
		cfg.Decision.Mode = tc.Mode
		cfg.Decision.Threshold = tc.Threshold
		cfg.Training.Channels = []string{"12 Hz", "15 Hz", "17 Hz", "20 Hz"}

		g := &Generator{cfg: cfg, seed: seed}
		res, err := Train(cfg, g, 5, 5*time.Second)
		if err != nil {
			return errors.Wrapf(err, "%s training", tc.Name)
		}
		score, err := Online(cfg, g, res.Classifier, res.Selector, targets, rand.New(rand.NewSource(seed)))
		if err != nil {
			return errors.Wrapf(err, "%s online", tc.Name)
		}
		if res.Report != nil {
			score.Accuracy = res.Report.Accuracy
		}

		acc := 100 * float64(score.Correct) / float64(score.Targets)
		latency := 0.0
		if score.Decided > 0 {
			latency = (score.Latency / time.Duration(score.Decided)).Seconds()
		}
		status := "PASS"
		if acc < 90 {
			status = "FAIL"
		} // 90% 以上算可用

		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%.1f\t%.1f\t%d\t%.2f\t%d\t%s\n",
			tc.Name, tc.Method, tc.Mode, tc.Noise, score.Accuracy, acc, score.Missed, latency,
			score.Compute.Milliseconds(), status)
	}
	return w.Flush()
}

// ============================================================================
// Main Entry
// ============================================================================

func main() {
	targets := flag.Int("targets", 40, "online targets per scenario")
	seed := flag.Int64("seed", time.Now().UnixNano(), "noise seed")
	quiet := flag.Bool("quiet", true, "only print warnings from the pipeline")
	flag.Parse()

	level := "info"
	if *quiet {
		level = "warn"
	}
	ssvep.SetupLogging(level, os.Stderr)

	fmt.Println("Starting SSVEP Classifier Benchmark Suite...")
	fmt.Println("========================================")

	if err := RunBenchmark(*targets, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "benchmark failed: %+v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nBenchmark Complete.")
}
