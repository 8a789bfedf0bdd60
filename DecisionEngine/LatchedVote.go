package DecisionEngine

import "time"

// LatchedVote 投票累加，窗口结束时锁定一个结果，然后冷却同样长的时间
//
//	COLLECTING --窗口满--> 给出结果 --> COOLDOWN --窗口满--> COLLECTING
type LatchedVote struct {
	Window    int     // 收集多少个周期后做决定
	Threshold float64 // 平均置信度阈值

	collecting bool
	count      int
	votes      map[string]float64
	seq        int
}

// NewLatchedVote timeout 为收集窗口时长，period 为观测周期
func NewLatchedVote(timeout, period time.Duration, threshold float64) *LatchedVote {
	lv := &LatchedVote{
		Window:    Periods(timeout, period),
		Threshold: threshold,
	}
	lv.Reset()
	return lv
}

// Reset 回到收集状态
func (lv *LatchedVote) Reset() {
	lv.collecting = true
	lv.count = 0
	lv.votes = make(map[string]float64)
	lv.seq = 0
}

// Validate 检查阈值
func (lv *LatchedVote) Validate() error {
	return validThreshold(lv.Threshold)
}

// Collecting 是否处于收集状态
func (lv *LatchedVote) Collecting() bool {
	return lv.collecting
}

// Step 输入一个周期的后验
func (lv *LatchedVote) Step(p Posterior) []Event {
	lv.seq++

	if !lv.collecting {
		lv.count++
		if lv.count < lv.Window {
			return []Event{{Kind: Activity, Step: lv.seq}}
		}
		lv.collecting = true
		lv.count = 0
		return []Event{{Kind: Resume, Step: lv.seq}}
	}

	// 窗口为 0 时直接用空票数做决定
	if lv.Window > 0 {
		for label, v := range p {
			lv.votes[label] += v
		}
		lv.count++
		if lv.count < lv.Window {
			return nil
		}
	}

	ev := lv.decide()
	ev.Step = lv.seq

	lv.votes = make(map[string]float64)
	lv.count = 0
	lv.collecting = lv.Window <= 0
	return []Event{ev}
}

func (lv *LatchedVote) decide() Event {
	scores := copyScores(lv.votes)
	best, v := argmax(lv.votes)
	if len(lv.votes) == 0 || v < float64(lv.count)*lv.Threshold {
		return Event{Kind: NoDecision, Scores: scores}
	}
	return Event{Kind: Decision, Label: best, Scores: scores}
}
