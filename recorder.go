package ssvep

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"ssvep/Features"
)

// 训练提示的阶段
const (
	PhaseRest  = "rest"  // 休息，不接收数据
	PhaseFocus = "focus" // 注视 Channel 对应的刺激
)

// Cue 训练过程中给受试者的提示
type Cue struct {
	Trial    int // 从 1 开始
	Trials   int
	Channel  string
	Phase    string
	Duration time.Duration
}

// Recorder 从实时数据流中采集带标签的训练数据
// 每轮试验把通道顺序打乱，每个通道: 休息 -> 对齐批次 -> 收集 TrialLength
type Recorder struct {
	cfg    *Config
	stream *Stream
	rng    *rand.Rand

	// OnCue 每个阶段开始时回调，用来提示受试者
	OnCue func(c Cue)
	// OnTrial 一个通道收集完成
	OnTrial func(trial int, channel string, periods int)
}

// NewRecorder 创建采集器，stream 由调用方打开和关闭
func NewRecorder(cfg *Config, stream *Stream) *Recorder {
	seed := cfg.Training.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Recorder{cfg: cfg, stream: stream, rng: rand.New(rand.NewSource(seed))}
}

// Record 完成全部试验，返回训练数据
func (r *Recorder) Record(ctx context.Context) (*Features.TrainingData, error) {
	t := r.cfg.Training
	freqs, err := ParseChannels(t.Channels)
	if err != nil {
		return nil, err
	}
	if t.Trials < 1 || len(t.Channels) == 0 {
		return nil, errors.Errorf("nothing to record: %d trials, %d channels", t.Trials, len(t.Channels))
	}
	data := Features.NewTrainingData(freqs)

	if r.stream.Sentinel == nil {
		if err := r.stream.Calibrate(ctx); err != nil {
			return nil, err
		}
	}

	order := append([]string(nil), t.Channels...)
	for trial := 1; trial <= t.Trials; trial++ {
		r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for _, ch := range order {
			buf, periods, err := r.trial(ctx, trial, ch)
			if err != nil {
				r.stream.Receiver.Pause()
				return nil, errors.Wrapf(err, "trial %d channel %s", trial, ch)
			}
			data.AddTrial(strconv.Itoa(trial), ch, buf)
			slog.Info("trial recorded", "trial", trial, "channel", ch, "periods", periods)
			if r.OnTrial != nil {
				r.OnTrial(trial, ch, periods)
			}
		}
	}
	r.stream.Receiver.Pause()
	return data, nil
}

func (r *Recorder) trial(ctx context.Context, trial int, ch string) (map[string]map[string][]float64, int, error) {
	t := r.cfg.Training

	// 休息期间的数据没有意义，直接丢弃
	r.stream.Receiver.Pause()
	r.cue(Cue{Trial: trial, Trials: t.Trials, Channel: ch, Phase: PhaseRest, Duration: t.Rest})
	if t.Rest > 0 {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(t.Rest):
		}
	}

	// 先给出刺激，再开始接收
	r.cue(Cue{Trial: trial, Trials: t.Trials, Channel: ch, Phase: PhaseFocus, Duration: t.TrialLength})
	if n := r.stream.Drain(); n > 0 {
		slog.Debug("dropped queued chunks", "count", n)
	}
	r.stream.Receiver.Resume()
	if err := r.stream.Align(ctx); err != nil {
		return nil, 0, err
	}
	w, buf, err := r.stream.Collect(ctx, t.TrialLength)
	if err != nil {
		return nil, 0, err
	}
	return buf, w.Headers, nil
}

func (r *Recorder) cue(c Cue) {
	if r.OnCue != nil {
		r.OnCue(c)
	}
}
