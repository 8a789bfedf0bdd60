package Features

import (
	"strconv"

	"github.com/pkg/errors"

	"ssvep/NaiveBayes"
)

// ErrMissingFrequency 周期数据里缺少某个需要的频率，说明这一周期不完整
var ErrMissingFrequency = errors.New("missing frequency in period data")

// HarmonicRange 生成需要读取的频率下标列表
// 对每个基频 h 及其 1..numHarms+1 倍频 c，取 [c-epsilon, c+epsilon) 内的整数频率
func HarmonicRange(hzList []int, numHarms, epsilon int) []int {
	var hz []int
	for _, h := range hzList {
		for m := 1; m <= numHarms+1; m++ {
			c := h * m
			for x := c - epsilon; x < c+epsilon; x++ {
				hz = append(hz, x)
			}
		}
	}
	return hz
}

// Selector 特征选择器
// 训练和在线推理使用同一个 Selector，保证特征下标一一对应
type Selector struct {
	Frequencies  []int // 关注的刺激基频 (Hz)
	NumHarmonics int   // 额外谐波数量，0 表示只取基频
	Epsilon      int   // 频带半宽
	Samples      int   // 每个频率取多少个值
}

// NewSelector 使用默认参数: 不取谐波，频带 ±2Hz，每个频率 1 个值
func NewSelector(freqs []int) *Selector {
	return &Selector{
		Frequencies:  freqs,
		NumHarmonics: 0,
		Epsilon:      2,
		Samples:      1,
	}
}

// Indices 返回固定顺序的频率下标
func (s *Selector) Indices() []int {
	return HarmonicRange(s.Frequencies, s.NumHarmonics, s.Epsilon)
}

// Dim 特征向量长度
func (s *Selector) Dim() int {
	return len(s.Indices()) * s.samples()
}

func (s *Selector) samples() int {
	if s.Samples < 1 {
		return 1
	}
	return s.Samples
}

// Vector 从一个周期的 "频率 -> 数值序列" 中取前 Samples 个值，按下标顺序拼成特征向量
func (s *Selector) Vector(freqDict map[string][]float64) ([]float64, error) {
	return s.window(freqDict, 0)
}

// Windows 把一次试验的数据按 Samples 步长切成多条特征向量 (训练时使用)
// 例如 Samples=4、序列长度 12 时，起点为 0, 4, 8
func (s *Selector) Windows(freqDict map[string][]float64) ([][]float64, error) {
	n := s.samples()
	ref, ok := freqDict["0"]
	if !ok {
		// 没有 0Hz 时以第一个需要的频率作为长度参考
		idx := s.Indices()
		if len(idx) == 0 {
			return nil, nil
		}
		if ref, ok = freqDict[strconv.Itoa(idx[0])]; !ok {
			return nil, errors.Wrapf(ErrMissingFrequency, "frequency %d", idx[0])
		}
	}

	var out [][]float64
	for start := 0; start+n <= len(ref); start += n {
		vec, err := s.window(freqDict, start)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (s *Selector) window(freqDict map[string][]float64, start int) ([]float64, error) {
	n := s.samples()
	idx := s.Indices()
	merge := make([]float64, 0, len(idx)*n)

	for _, f := range idx {
		values, ok := freqDict[strconv.Itoa(f)]
		if !ok {
			return nil, errors.Wrapf(ErrMissingFrequency, "frequency %d", f)
		}
		if len(values) < start+n {
			return nil, errors.Wrapf(ErrMissingFrequency,
				"frequency %d has %d values, need %d", f, len(values), start+n)
		}
		merge = append(merge, values[start:start+n]...)
	}
	return merge, nil
}

// Examples 把训练数据展开成分类器需要的样本列表
// 标签为采集时的通道名 (即刺激频率，如 "17 Hz")
func (s *Selector) Examples(data *TrainingData, kind string) ([]NaiveBayes.Example, error) {
	var out []NaiveBayes.Example
	for _, trial := range data.TrialIDs() {
		channels := data.Data[trial]
		for _, channel := range sortedKeys(channels) {
			freqDict, ok := channels[channel][kind]
			if !ok {
				continue
			}
			vectors, err := s.Windows(freqDict)
			if err != nil {
				return nil, errors.Wrapf(err, "trial %s channel %s", trial, channel)
			}
			for _, v := range vectors {
				out = append(out, NaiveBayes.Example{Label: channel, Features: v})
			}
		}
	}
	return out, nil
}
