package ssvep

import (
	"log/slog"

	"github.com/pkg/errors"

	"ssvep/Features"
	"ssvep/NaiveBayes"
)

// TrainResult 一次离线训练的结果
type TrainResult struct {
	Classifier *NaiveBayes.Classifier
	Selector   *Features.Selector
	Report     *NaiveBayes.CrossValidationReport
	Examples   int
}

// TrainModel 用训练数据训练分类器并做 k 折交叉验证
// 特征频率取训练数据里记录的 "Collected Channels"
func TrainModel(cfg *Config, data *Features.TrainingData) (*TrainResult, error) {
	sel := NewSelector(cfg, data.CollectedChannels)
	examples, err := sel.Examples(data, cfg.Features.Kind)
	if err != nil {
		return nil, errors.Wrap(err, "build examples")
	}

	clf, err := NaiveBayes.Train(examples)
	if err != nil {
		return nil, err
	}

	res := &TrainResult{Classifier: clf, Selector: sel, Examples: len(examples)}
	if len(examples) < cfg.Training.Folds {
		slog.Warn("not enough examples for cross validation", "examples", len(examples), "folds", cfg.Training.Folds)
		return res, nil
	}
	res.Report, err = clf.CrossValidateReport(cfg.Training.Folds)
	if err != nil {
		return nil, errors.Wrap(err, "cross validation")
	}
	slog.Info("model trained", "labels", clf.Labels(), "examples", len(examples),
		"features", clf.Dim(), "accuracy", res.Report.Accuracy)
	return res, nil
}
