package NaiveBayes

import (
	"github.com/pkg/errors"
)

// FoldResult 单折验证结果
type FoldResult struct {
	Fold      int
	Trained   int   // 训练样本数
	Validated []int // 参与验证的样本下标 (原始顺序)
	Correct   int
}

// CrossValidationReport 交叉验证汇总
type CrossValidationReport struct {
	K        int
	Folds    []FoldResult
	Correct  int
	Total    int
	Accuracy float64 // 百分比
}

// KFold 按下标取模划分: 第 k 折为 idx % K == k 的样本，剩余样本用于训练
// 不打乱顺序，调用方给出的样本顺序直接决定每折的组成
func KFold(examples []Example, k int) (train [][]Example, validation [][]int) {
	train = make([][]Example, k)
	validation = make([][]int, k)
	for fold := 0; fold < k; fold++ {
		for i, ex := range examples {
			if i%k == fold {
				validation[fold] = append(validation[fold], i)
			} else {
				train[fold] = append(train[fold], ex)
			}
		}
	}
	return train, validation
}

// CrossValidate 对训练集做 k 折交叉验证，返回准确率 (百分比)
func (c *Classifier) CrossValidate(k int) (float64, error) {
	report, err := c.CrossValidateReport(k)
	if err != nil {
		return 0, err
	}
	return report.Accuracy, nil
}

// CrossValidateReport 与 CrossValidate 相同，但返回每一折的明细
func (c *Classifier) CrossValidateReport(k int) (*CrossValidationReport, error) {
	if k < 2 {
		return nil, errors.Errorf("k must be at least 2, got %d", k)
	}

	trainSets, valSets := KFold(c.trainingData, k)
	report := &CrossValidationReport{K: k}

	for fold := 0; fold < k; fold++ {
		result := FoldResult{
			Fold:      fold,
			Trained:   len(trainSets[fold]),
			Validated: valSets[fold],
		}

		// 每一折都是一个独立的临时分类器
		sub, err := Train(trainSets[fold])
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d", fold)
		}

		for _, idx := range valSets[fold] {
			ex := c.trainingData[idx]
			label, _, err := sub.Predict(ex.Features)
			if err != nil {
				return nil, errors.Wrapf(err, "fold %d example %d", fold, idx)
			}
			if label == ex.Label {
				result.Correct++
			}
		}

		report.Correct += result.Correct
		report.Total += len(result.Validated)
		report.Folds = append(report.Folds, result)
	}

	if report.Total == 0 {
		return nil, errors.New("no examples validated")
	}
	report.Accuracy = float64(report.Correct) / float64(report.Total) * 100
	return report, nil
}

// Confusion 用当前分类器预测全部训练样本，返回混淆矩阵
// counts[i][j]: 真实标签 labels[i] 被预测为 labels[j] 的次数
func (c *Classifier) Confusion() (labels []string, counts [][]int, err error) {
	labels = c.Labels()
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}

	counts = make([][]int, len(labels))
	for i := range counts {
		counts[i] = make([]int, len(labels))
	}

	for _, ex := range c.trainingData {
		predicted, _, err := c.Predict(ex.Features)
		if err != nil {
			return nil, nil, err
		}
		counts[index[ex.Label]][index[predicted]]++
	}
	return labels, counts, nil
}
