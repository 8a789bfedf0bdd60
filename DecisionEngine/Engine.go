package DecisionEngine

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrThresholdUnreachable 阈值不在 (0,1]，按阈值结束的条件永远不会成立
var ErrThresholdUnreachable = errors.New("decision threshold outside (0,1]")

// Posterior 一个观测周期的后验分布: 标签 -> 概率
type Posterior map[string]float64

// Kind 事件类型
type Kind int

const (
	Decision   Kind = iota // 给出一个标签
	NoDecision             // 窗口结束但置信度不够
	Activity               // 冷却期中，每个周期一次
	Resume                 // 冷却结束，重新开始收集
)

func (k Kind) String() string {
	switch k {
	case Decision:
		return "decision"
	case NoDecision:
		return "none"
	case Activity:
		return "activity"
	case Resume:
		return "resume"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Terminal 是否结束了一个决策周期
func (k Kind) Terminal() bool {
	return k == Decision || k == NoDecision
}

// Event 引擎输出
type Event struct {
	Kind   Kind
	Label  string    // 只有 Decision 有
	Step   int       // 产生该事件的周期序号，从 1 开始
	Scores Posterior // 做决定时的票数或信念，其他事件为 nil
}

func (e Event) String() string {
	if e.Kind == Decision {
		return fmt.Sprintf("#%d %s %s", e.Step, e.Kind, e.Label)
	}
	return fmt.Sprintf("#%d %s", e.Step, e.Kind)
}

// Engine 决策引擎
// 每个观测周期调用一次 Step，是纯粹的归约器: 同样的后验序列总是得到同样的事件序列。
// 没能分类的周期传入空的 Posterior，只推进周期计数。
// 一个 Engine 只能在一个 goroutine 中使用。
type Engine interface {
	Step(p Posterior) []Event
	Reset()
	Validate() error
}

// Replay 从初始状态重放一段后验序列
func Replay(e Engine, posteriors []Posterior) []Event {
	e.Reset()
	var events []Event
	for _, p := range posteriors {
		events = append(events, e.Step(p)...)
	}
	return events
}

// Hook 事件回调，不应阻塞
type Hook func(Event)

// Emitter 把引擎事件分发给回调
// OnDecision 每个决策周期结束时调用一次 (Decision / NoDecision)，
// OnStatus 收到其余的状态事件。两者都可以为 nil。
type Emitter struct {
	OnDecision Hook
	OnStatus   Hook
}

// Emit 分发一组事件
func (em Emitter) Emit(events []Event) {
	for _, ev := range events {
		if ev.Kind.Terminal() {
			if em.OnDecision != nil {
				em.OnDecision(ev)
			}
		} else if em.OnStatus != nil {
			em.OnStatus(ev)
		}
	}
}

// Periods 把时长换算成周期数 (向下取整)
func Periods(d, period time.Duration) int {
	if period <= 0 {
		return 0
	}
	return int(d / period)
}

// argmax 最大值对应的标签，相同时取字典序最小的
func argmax(scores map[string]float64) (string, float64) {
	labels := make([]string, 0, len(scores))
	for l := range scores {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	best, bestV := "", 0.0
	for i, l := range labels {
		if i == 0 || scores[l] > bestV {
			best, bestV = l, scores[l]
		}
	}
	return best, bestV
}

func copyScores(m map[string]float64) Posterior {
	out := make(Posterior, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func validThreshold(t float64) error {
	if !(t > 0 && t <= 1) {
		return errors.Wrapf(ErrThresholdUnreachable, "threshold %v", t)
	}
	return nil
}
