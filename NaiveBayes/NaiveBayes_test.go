package NaiveBayes

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
)

// 两团容易分开的数据: A 在 (0,0) 附近，B 在 (3,3) 附近
func twoClusters(perClass int) []Example {
	offsets := []float64{-0.4, -0.2, 0, 0.2, 0.4}
	var out []Example
	for i := 0; i < perClass; i++ {
		d := offsets[i%len(offsets)]
		e := offsets[(i+2)%len(offsets)]
		out = append(out, Example{Label: "A", Features: []float64{0 + d, 0 + e}})
		out = append(out, Example{Label: "B", Features: []float64{3 + e, 3 + d}})
	}
	return out
}

func TestTrain_Validation(t *testing.T) {
	if _, err := Train(nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for empty set, got %v", err)
	}

	uneven := []Example{
		{Label: "A", Features: []float64{1, 2}},
		{Label: "B", Features: []float64{1, 2, 3}},
	}
	if _, err := Train(uneven); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for uneven features, got %v", err)
	}

	empty := []Example{{Label: "A", Features: nil}}
	if _, err := Train(empty); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for empty features, got %v", err)
	}
}

func TestTrain_PriorsAndStats(t *testing.T) {
	data := []Example{
		{Label: "A", Features: []float64{1}},
		{Label: "A", Features: []float64{3}},
		{Label: "A", Features: []float64{5}},
		{Label: "B", Features: []float64{10}},
	}
	c, err := Train(data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	priors := c.Priors()
	if math.Abs(priors["A"]-0.75) > 1e-12 || math.Abs(priors["B"]-0.25) > 1e-12 {
		t.Errorf("Unexpected priors %v", priors)
	}

	a, _ := c.Model("A")
	if a.Mean[0] != 3 {
		t.Errorf("Expected mean 3, got %v", a.Mean[0])
	}
	// 总体标准差 sqrt(8/3)
	if math.Abs(a.StdDev[0]-math.Sqrt(8.0/3.0)) > 1e-12 {
		t.Errorf("Expected population stddev, got %v", a.StdDev[0])
	}

	// 修改副本不影响分类器
	priors["A"] = 0
	if c.Priors()["A"] != 0.75 {
		t.Error("Priors() must return a copy")
	}
}

func TestTrimOutliers_KeepsEverything(t *testing.T) {
	values := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 1000}
	kept := trimOutliers(values, 3.0)
	if len(kept) != len(values) {
		t.Errorf("OR predicate should keep all %d values, kept %d", len(values), len(kept))
	}
}

func TestPredict_SeparableClusters(t *testing.T) {
	data := twoClusters(10)
	c, err := Train(data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for i, ex := range data {
		label, dist, err := c.Predict(ex.Features)
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		sum := 0.0
		for _, p := range dist {
			if p < 0 || p > 1 {
				t.Errorf("Probability out of range: %v", p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("Example %d: distribution sums to %v", i, sum)
		}
		if label != ex.Label {
			t.Errorf("Example %d: expected %s, got %s", i, ex.Label, label)
		}
	}
}

func TestPredict_WrongDimension(t *testing.T) {
	c, err := Train(twoClusters(5))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if _, _, err := c.Predict([]float64{1}); !errors.Is(err, ErrDimension) {
		t.Errorf("Expected ErrDimension, got %v", err)
	}
	// 错误调用后分类器依然可用
	if _, _, err := c.Predict([]float64{0, 0}); err != nil {
		t.Errorf("Classifier broken after bad call: %v", err)
	}
}

func TestPredict_ZeroVarianceFeatureSkipped(t *testing.T) {
	data := []Example{
		{Label: "A", Features: []float64{7, 0.1}},
		{Label: "A", Features: []float64{7, -0.1}},
		{Label: "B", Features: []float64{7, 2.9}},
		{Label: "B", Features: []float64{7, 3.1}},
	}
	c, err := Train(data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	label, dist, err := c.Predict([]float64{7, 3})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if label != "B" {
		t.Errorf("Expected B, got %s (%v)", label, dist)
	}
}

func TestPredict_DegenerateFallsBackToZero(t *testing.T) {
	// A 的方差极小，对数密度很大，减去均值后 exp 溢出
	const dim = 8
	var data []Example
	for i := 0; i < 4; i++ {
		a := make([]float64, dim)
		b := make([]float64, dim)
		for j := range a {
			a[j] = float64(i) * 1e-150
			b[j] = 1000 + float64(i)
		}
		data = append(data, Example{Label: "A", Features: a})
		data = append(data, Example{Label: "B", Features: b})
	}
	c, err := Train(data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	probe := make([]float64, dim)
	for j := range probe {
		probe[j] = 1.5e-150
	}
	_, dist, err := c.Predict(probe)
	if err != nil {
		t.Fatalf("Degenerate posterior must not fail: %v", err)
	}
	for label, p := range dist {
		if p != 0 {
			t.Errorf("Expected zero distribution, %s = %v", label, p)
		}
	}
	if len(dist) != 2 {
		t.Errorf("Distribution must keep every class, got %v", dist)
	}
}

func TestNormalizeLogScores_TwoLabelRange(t *testing.T) {
	// 两个标签时均值在中间，差值超过约 1420 时 exp 溢出
	probs, ok := normalizeLogScores([]float64{0, -1400})
	if !ok || probs[0] != 1 || probs[1] > 1e-300 {
		t.Errorf("Expected a one-hot distribution, got %v (ok=%v)", probs, ok)
	}

	probs, ok = normalizeLogScores([]float64{0, -1500})
	if ok {
		t.Errorf("Expected overflow to be reported, got %v", probs)
	}
	// 溢出时给出全零分布，决策引擎不会据此做决定
	if len(probs) != 2 || probs[0] != 0 || probs[1] != 0 {
		t.Errorf("Expected the zero distribution, got %v", probs)
	}
}

func TestCrossValidate_FoldAccounting(t *testing.T) {
	data := twoClusters(11) // M = 22
	c, err := Train(data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for _, k := range []int{3, 4, 5, 7} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			report, err := c.CrossValidateReport(k)
			if err != nil {
				t.Fatalf("CrossValidateReport failed: %v", err)
			}
			if len(report.Folds) != k {
				t.Fatalf("Expected %d folds, got %d", k, len(report.Folds))
			}

			seen := make(map[int]bool)
			lo, hi := len(data)/k, (len(data)+k-1)/k
			for _, f := range report.Folds {
				n := len(f.Validated)
				if n != lo && n != hi {
					t.Errorf("Fold %d validated %d examples, expected %d or %d", f.Fold, n, lo, hi)
				}
				if f.Trained+n != len(data) {
					t.Errorf("Fold %d: trained %d + validated %d != %d", f.Fold, f.Trained, n, len(data))
				}
				for _, idx := range f.Validated {
					if idx%k != f.Fold {
						t.Errorf("Index %d assigned to fold %d", idx, f.Fold)
					}
					if seen[idx] {
						t.Errorf("Index %d validated twice", idx)
					}
					seen[idx] = true
				}
			}
			if len(seen) != len(data) || report.Total != len(data) {
				t.Errorf("Expected %d validations, got %d", len(data), report.Total)
			}
			if report.Accuracy != 100 {
				t.Errorf("Expected 100%% on separable data, got %v", report.Accuracy)
			}
		})
	}
}

func TestCrossValidate_InvalidK(t *testing.T) {
	c, _ := Train(twoClusters(3))
	if _, err := c.CrossValidate(1); err == nil {
		t.Error("Expected error for k < 2")
	}
}

func TestConfusion(t *testing.T) {
	c, _ := Train(twoClusters(5))
	labels, counts, err := c.Confusion()
	if err != nil {
		t.Fatalf("Confusion failed: %v", err)
	}
	if len(labels) != 2 || labels[0] != "A" || labels[1] != "B" {
		t.Fatalf("Unexpected labels %v", labels)
	}
	if counts[0][0] != 5 || counts[1][1] != 5 || counts[0][1] != 0 || counts[1][0] != 0 {
		t.Errorf("Unexpected confusion matrix %v", counts)
	}
}

func TestEncodeDecode(t *testing.T) {
	c, _ := Train(twoClusters(5))

	var buf bytes.Buffer
	if err := c.Encode(&buf, true); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	loaded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	probe := []float64{2.5, 2.8}
	want, wantDist, _ := c.Predict(probe)
	got, gotDist, err := loaded.Predict(probe)
	if err != nil {
		t.Fatalf("Predict on loaded model failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	for label, p := range wantDist {
		if math.Abs(gotDist[label]-p) > 1e-12 {
			t.Errorf("Label %s: expected %v, got %v", label, p, gotDist[label])
		}
	}
	if _, err := loaded.CrossValidate(5); err != nil {
		t.Errorf("Loaded model with data should cross-validate: %v", err)
	}
}
