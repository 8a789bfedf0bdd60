package DecisionEngine

import (
	"log/slog"
	"time"
)

const (
	// DefaultGracePeriods 每个周期开头忽略的观测数 (刚切换刺激时的过渡)
	DefaultGracePeriods = 1
	// DefaultMaxPeriods 一个决策周期最多多少个观测
	DefaultMaxPeriods = 12
)

// BayesBelief 贝叶斯信念更新
// 每个决策周期从先验开始，逐周期乘上分类器后验并归一化，
// 信念超过阈值或到达周期上限时给出结果。
type BayesBelief struct {
	GracePeriods int
	MaxPeriods   int
	Threshold    float64

	// RequireArm 为 true 时只有调用 Arm 之后才开始累积，给出结果后自动解除
	RequireArm bool

	priors map[string]float64
	belief map[string]float64
	count  int
	armed  bool
	seq    int
}

// NewBayesBelief priors 一般来自 Classifier.Priors()
func NewBayesBelief(priors map[string]float64, threshold float64) *BayesBelief {
	bb := &BayesBelief{
		GracePeriods: DefaultGracePeriods,
		MaxPeriods:   DefaultMaxPeriods,
		Threshold:    threshold,
		priors:       copyScores(priors),
	}
	bb.Reset()
	return bb
}

// SetTiming 用时长配置宽限期和上限
// 在 grace 之前结束的观测被忽略，恰好在 grace 结束的那个观测参与累积
func (bb *BayesBelief) SetTiming(grace, limit, period time.Duration) {
	bb.GracePeriods = 0
	if grace > 0 && period > 0 {
		bb.GracePeriods = int((grace - 1) / period)
	}
	bb.MaxPeriods = Periods(limit, period)
}

// Reset 信念回到先验
func (bb *BayesBelief) Reset() {
	bb.restart()
	bb.armed = false
	bb.seq = 0
}

func (bb *BayesBelief) restart() {
	bb.belief = copyScores(bb.priors)
	bb.count = 0
}

// Arm 开始一个新的决策周期 (例如出了一道新题)
func (bb *BayesBelief) Arm() {
	if !bb.armed {
		bb.armed = true
		bb.restart()
	}
}

// Armed 是否正在累积
func (bb *BayesBelief) Armed() bool {
	return !bb.RequireArm || bb.armed
}

// Belief 当前信念的拷贝
func (bb *BayesBelief) Belief() Posterior {
	return copyScores(bb.belief)
}

// Validate 阈值不在 (0,1] 时只能靠周期上限结束，这里只报告，不修改
func (bb *BayesBelief) Validate() error {
	return validThreshold(bb.Threshold)
}

// Step 输入一个周期的后验
func (bb *BayesBelief) Step(p Posterior) []Event {
	bb.seq++
	if !bb.Armed() {
		return nil
	}

	bb.count++
	if bb.count <= bb.GracePeriods {
		return nil
	}

	// 空后验 (跳过的周期) 只计数，不改变信念
	if len(p) > 0 {
		bb.update(p)
	}

	best, v := argmax(bb.belief)
	if bb.count < bb.MaxPeriods && v < bb.Threshold {
		return nil
	}

	ev := Event{Kind: Decision, Label: best, Step: bb.seq, Scores: copyScores(bb.belief)}
	bb.restart()
	bb.armed = false
	return []Event{ev}
}

func (bb *BayesBelief) update(p Posterior) {
	sum := 0.0
	for label := range bb.belief {
		bb.belief[label] *= p[label]
		sum += bb.belief[label]
	}
	if sum > 0 {
		for label := range bb.belief {
			bb.belief[label] /= sum
		}
	} else {
		slog.Warn("belief collapsed to zero", "step", bb.seq)
	}
}
