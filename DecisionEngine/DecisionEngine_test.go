package DecisionEngine

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func repeat(p Posterior, n int) []Posterior {
	out := make([]Posterior, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestLatchedVote_Threshold(t *testing.T) {
	seq := repeat(Posterior{"A": 0.9, "B": 0.1}, 3)

	lv := NewLatchedVote(1500*time.Millisecond, 500*time.Millisecond, 0.8)
	events := Replay(lv, seq)
	if len(events) != 1 || events[0].Kind != Decision || events[0].Label != "A" {
		t.Fatalf("Expected decision A, got %v", events)
	}
	if events[0].Step != 3 {
		t.Errorf("Expected decision on step 3, got %d", events[0].Step)
	}
	if math.Abs(events[0].Scores["A"]-2.7) > 1e-9 {
		t.Errorf("Expected 2.7 votes for A, got %v", events[0].Scores["A"])
	}

	lv = NewLatchedVote(1500*time.Millisecond, 500*time.Millisecond, 0.95)
	events = Replay(lv, seq)
	if len(events) != 1 || events[0].Kind != NoDecision {
		t.Fatalf("Expected no decision, got %v", events)
	}
}

func TestLatchedVote_Cooldown(t *testing.T) {
	lv := NewLatchedVote(1500*time.Millisecond, 500*time.Millisecond, 0.8)
	events := Replay(lv, repeat(Posterior{"A": 0.1, "B": 0.9}, 9))

	want := []Kind{Decision, Activity, Activity, Resume, Decision}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), events)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("Event %d: expected %s, got %s", i, k, events[i].Kind)
		}
	}
	if events[0].Label != "B" || events[4].Label != "B" {
		t.Errorf("Expected B decisions, got %v", events)
	}
	if events[3].Step != 6 || events[4].Step != 9 {
		t.Errorf("Unexpected steps %v", events)
	}
	if lv.Collecting() {
		t.Error("Engine should be cooling down after a decision")
	}
}

func TestLatchedVote_ZeroWindow(t *testing.T) {
	lv := NewLatchedVote(0, 500*time.Millisecond, 0.5)
	events := Replay(lv, repeat(Posterior{"A": 1}, 2))
	if len(events) != 2 || events[0].Kind != NoDecision || events[1].Kind != NoDecision {
		t.Errorf("Expected immediate no decisions, got %v", events)
	}
}

func TestBayesBelief_Threshold(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 0.85)
	events := Replay(bb, repeat(Posterior{"A": 0.8, "B": 0.2}, 3))

	if len(events) != 1 || events[0].Label != "A" {
		t.Fatalf("Expected decision A, got %v", events)
	}
	// 第 1 个周期被忽略，第 2 个周期 0.8，第 3 个周期 0.64/0.68
	if events[0].Step != 3 {
		t.Errorf("Expected decision on step 3, got %d", events[0].Step)
	}
	if got := events[0].Scores["A"]; math.Abs(got-0.64/0.68) > 1e-9 {
		t.Errorf("Unexpected belief %v", got)
	}
	if b := bb.Belief(); b["A"] != 0.5 || b["B"] != 0.5 {
		t.Errorf("Belief should be back to priors, got %v", b)
	}
}

func TestBayesBelief_UnreachableThreshold(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 10)
	if err := bb.Validate(); !errors.Is(err, ErrThresholdUnreachable) {
		t.Errorf("Expected ErrThresholdUnreachable, got %v", err)
	}
	if bb.Threshold != 10 {
		t.Errorf("Threshold must not be clamped, got %v", bb.Threshold)
	}

	// 只有周期上限能结束
	events := Replay(bb, repeat(Posterior{"A": 0.6, "B": 0.4}, 30))
	if len(events) != 2 {
		t.Fatalf("Expected 2 decisions, got %v", events)
	}
	if events[0].Step != DefaultMaxPeriods || events[1].Step != 2*DefaultMaxPeriods {
		t.Errorf("Decisions should fall on the period cap, got %v", events)
	}
}

func TestBayesBelief_Arm(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 0.9)
	bb.RequireArm = true
	p := Posterior{"A": 0.1, "B": 0.9}

	for i := 0; i < 5; i++ {
		if ev := bb.Step(p); ev != nil {
			t.Fatalf("Disarmed engine emitted %v", ev)
		}
	}

	bb.Arm()
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, bb.Step(p)...)
	}
	if len(events) != 1 || events[0].Label != "B" {
		t.Fatalf("Expected one decision B, got %v", events)
	}
	if bb.Armed() {
		t.Error("Decision should disarm the engine")
	}
}

func TestBayesBelief_ZeroPosterior(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 0.9)
	bb.MaxPeriods = 3
	events := Replay(bb, repeat(Posterior{"A": 0, "B": 0}, 3))
	// 信念全为 0 时保持不变，到上限按字典序给出结果
	if len(events) != 1 || events[0].Label != "A" || events[0].Step != 3 {
		t.Errorf("Unexpected events %v", events)
	}
}

func TestLatchedVote_SkippedPeriodsCount(t *testing.T) {
	lv := NewLatchedVote(1500*time.Millisecond, 500*time.Millisecond, 0.5)
	seq := []Posterior{{"A": 0.9, "B": 0.1}, {}, {"A": 0.9, "B": 0.1}}
	events := Replay(lv, seq)

	// 跳过的周期占用窗口，但不投票
	if len(events) != 1 || events[0].Step != 3 {
		t.Fatalf("Expected the window to close on step 3, got %v", events)
	}
	if events[0].Kind != Decision || math.Abs(events[0].Scores["A"]-1.8) > 1e-9 {
		t.Errorf("Expected A with 1.8 votes, got %v %v", events[0], events[0].Scores)
	}

	// 平均置信度按整个窗口算: 1.8 < 3*0.8
	lv = NewLatchedVote(1500*time.Millisecond, 500*time.Millisecond, 0.8)
	events = Replay(lv, seq)
	if len(events) != 1 || events[0].Kind != NoDecision || events[0].Step != 3 {
		t.Errorf("Expected no decision on step 3, got %v", events)
	}
}

func TestBayesBelief_SkippedPeriodsCount(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 0.85)
	bb.MaxPeriods = 4
	seq := []Posterior{{"A": 0.8, "B": 0.2}, {}, {}, {"A": 0.8, "B": 0.2}}
	events := Replay(bb, seq)

	// 宽限 1 个周期，2、3 跳过，第 4 个周期到上限
	if len(events) != 1 || events[0].Step != 4 {
		t.Fatalf("Expected a decision on step 4, got %v", events)
	}
	if got := events[0].Scores["A"]; math.Abs(got-0.8) > 1e-9 {
		t.Errorf("Skipped periods must not change the belief, got %v", got)
	}

	// 全部跳过时信念保持先验，上限处按字典序给出
	bb.Reset()
	events = Replay(bb, repeat(Posterior{}, 4))
	if len(events) != 1 || events[0].Label != "A" || events[0].Scores["A"] != 0.5 {
		t.Errorf("Unexpected events %v", events)
	}
}

func TestReplay_Deterministic(t *testing.T) {
	seq := []Posterior{
		{"A": 0.6, "B": 0.3, "C": 0.1},
		{"A": 0.2, "B": 0.7, "C": 0.1},
		{"A": 0.1, "B": 0.8, "C": 0.1},
		{"A": 0.3, "B": 0.3, "C": 0.4},
		{"A": 0.1, "B": 0.85, "C": 0.05},
		{"A": 0.1, "B": 0.8, "C": 0.1},
		{"A": 0.5, "B": 0.4, "C": 0.1},
	}
	engines := []Engine{
		NewLatchedVote(time.Second, 500*time.Millisecond, 0.5),
		NewBayesBelief(map[string]float64{"A": 0.3, "B": 0.3, "C": 0.4}, 0.9),
	}
	for _, e := range engines {
		first := Replay(e, seq)
		second := Replay(e, seq)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%T replay differs:\n%v\n%v", e, first, second)
		}
		if len(first) == 0 {
			t.Errorf("%T produced no events", e)
		}
	}
}

func TestEmitter(t *testing.T) {
	var decisions, status int
	em := Emitter{
		OnDecision: func(Event) { decisions++ },
		OnStatus:   func(Event) { status++ },
	}
	lv := NewLatchedVote(time.Second, 500*time.Millisecond, 0.5)
	for _, p := range repeat(Posterior{"A": 1}, 8) {
		em.Emit(lv.Step(p))
	}
	// 决定, 活动, 恢复, 决定, 活动, 恢复 ...
	if decisions != 2 || status != 4 {
		t.Errorf("Expected 2 decisions and 4 status events, got %d / %d", decisions, status)
	}

	// 回调为 nil 时不 panic
	Emitter{}.Emit([]Event{{Kind: Decision}, {Kind: Activity}})
}

func TestArgmaxTie(t *testing.T) {
	if best, _ := argmax(map[string]float64{"B": 0.5, "A": 0.5}); best != "A" {
		t.Errorf("Tie should go to the smallest label, got %s", best)
	}
}

func TestBayesBelief_SetTiming(t *testing.T) {
	bb := NewBayesBelief(map[string]float64{"A": 0.5, "B": 0.5}, 0.9)
	tests := []struct {
		grace, limit time.Duration
		wantGrace    int
		wantMax      int
	}{
		{time.Second, 6 * time.Second, 1, 12},
		{0, 3 * time.Second, 0, 6},
		{1200 * time.Millisecond, 2 * time.Second, 2, 4},
	}
	for _, tt := range tests {
		bb.SetTiming(tt.grace, tt.limit, 500*time.Millisecond)
		if bb.GracePeriods != tt.wantGrace || bb.MaxPeriods != tt.wantMax {
			t.Errorf("SetTiming(%v, %v): grace %d max %d, want %d %d",
				tt.grace, tt.limit, bb.GracePeriods, bb.MaxPeriods, tt.wantGrace, tt.wantMax)
		}
	}
}
