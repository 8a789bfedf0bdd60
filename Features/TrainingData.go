package Features

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// TrainingData 训练数据交换格式
//
//	{
//	  "Collected Channels": [17, 20],
//	  "Data": { "<trial>": { "<channel>": { "Raw FFT": { "<freq>": [v0, v1, ...] } } } }
//	}
type TrainingData struct {
	CollectedChannels []int                                                `json:"Collected Channels"`
	Data              map[string]map[string]map[string]map[string][]float64 `json:"Data"`
}

// NewTrainingData 创建空的训练数据
func NewTrainingData(freqs []int) *TrainingData {
	return &TrainingData{
		CollectedChannels: freqs,
		Data:              make(map[string]map[string]map[string]map[string][]float64),
	}
}

// AddTrial 记录某次试验、某个通道 (刺激标签) 的一段周期数据
// buffer: 信号类型 -> 频率 -> 数值序列
func (d *TrainingData) AddTrial(trial, channel string, buffer map[string]map[string][]float64) {
	if d.Data == nil {
		d.Data = make(map[string]map[string]map[string]map[string][]float64)
	}
	if _, ok := d.Data[trial]; !ok {
		d.Data[trial] = make(map[string]map[string]map[string][]float64)
	}
	d.Data[trial][channel] = buffer
}

// TrialIDs 返回排序后的试验编号，数字按数值排序
func (d *TrainingData) TrialIDs() []string {
	ids := make([]string, 0, len(d.Data))
	for id := range d.Data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Channels 返回出现过的所有通道 (标签)
func (d *TrainingData) Channels() []string {
	set := make(map[string]map[string]map[string][]float64)
	for _, channels := range d.Data {
		for ch := range channels {
			set[ch] = nil
		}
	}
	return sortedKeys(set)
}

// Write 以缩进 JSON 输出
func (d *TrainingData) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return errors.Wrap(enc.Encode(d), "encode training data")
}

// Save 写入文件
func (d *TrainingData) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := d.Write(f); err != nil {
		f.Close()
		return err
	}
	return errors.WithStack(f.Close())
}

// ReadTrainingData 从 JSON 读取训练数据
func ReadTrainingData(r io.Reader) (*TrainingData, error) {
	var d TrainingData
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, errors.Wrap(err, "couldn't parse training data")
	}
	if len(d.CollectedChannels) == 0 {
		return nil, errors.New("training data has no \"Collected Channels\"")
	}
	return &d, nil
}

// LoadTrainingData 从文件读取训练数据
func LoadTrainingData(path string) (*TrainingData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open training file")
	}
	defer f.Close()
	return ReadTrainingData(f)
}

func sortedKeys(m map[string]map[string]map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
