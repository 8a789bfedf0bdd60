package ssvep

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"ssvep/DecisionEngine"
)

// Observation 一个观测周期的分类结果
type Observation struct {
	Seq        int // 周期序号，从 1 开始
	Stamp      int // 该周期最后一个头记录的设备时间戳
	Prediction string
	Posterior  DecisionEngine.Posterior
}

// PosteriorLogger 记录每个周期的后验
// System 只依赖这个接口，不依赖具体的文件操作
type PosteriorLogger interface {
	Record(o Observation) error
	Close() error
}

// CsvPosteriorLog 把后验写成 CSV，之后可以用 ReadPosteriorLog 读回来重放
//
//	seq,stamp,prediction,<label1>,<label2>,...
type CsvPosteriorLog struct {
	file   io.WriteCloser
	writer *csv.Writer
	labels []string
}

// NewCsvPosteriorLog 创建日志文件
func NewCsvPosteriorLog(filename string, labels []string) (*CsvPosteriorLog, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create posterior log")
	}
	l, err := newCsvPosteriorLog(f, labels)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func newCsvPosteriorLog(w io.WriteCloser, labels []string) (*CsvPosteriorLog, error) {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)

	cw := csv.NewWriter(w)
	// 写入表头
	if err := cw.Write(append([]string{"seq", "stamp", "prediction"}, sorted...)); err != nil {
		return nil, errors.Wrap(err, "write posterior log header")
	}
	return &CsvPosteriorLog{file: w, writer: cw, labels: sorted}, nil
}

// Record 记录一个周期
// 跳过的周期后验为空，各列留空
func (l *CsvPosteriorLog) Record(o Observation) error {
	row := make([]string, 0, 3+len(l.labels))
	row = append(row, strconv.Itoa(o.Seq), strconv.Itoa(o.Stamp), o.Prediction)
	for _, label := range l.labels {
		if len(o.Posterior) == 0 {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(o.Posterior[label], 'g', -1, 64))
	}
	return l.writer.Write(row)
}

// Close 刷新缓冲区并关闭文件
func (l *CsvPosteriorLog) Close() error {
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.file.Close()
		return errors.Wrap(err, "flush posterior log")
	}
	return l.file.Close()
}

// ReadPosteriorLog 读回 CsvPosteriorLog 写的文件
func ReadPosteriorLog(r io.Reader) ([]Observation, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read posterior log header")
	}
	if len(header) < 3 || header[0] != "seq" {
		return nil, errors.Errorf("not a posterior log: header %v", header)
	}
	labels := header[3:]

	var out []Observation
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}

		seq, err1 := strconv.Atoi(row[0])
		stamp, err2 := strconv.Atoi(row[1])
		if err1 != nil || err2 != nil {
			return nil, errors.Errorf("line %d: bad seq/stamp", line)
		}
		o := Observation{Seq: seq, Stamp: stamp, Prediction: row[2], Posterior: make(DecisionEngine.Posterior, len(labels))}
		for i, label := range labels {
			if row[3+i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(row[3+i], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d column %s", line, label)
			}
			o.Posterior[label] = v
		}
		out = append(out, o)
	}
}

// LoadPosteriorLog 从文件读取
func LoadPosteriorLog(path string) ([]Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open posterior log")
	}
	defer f.Close()
	return ReadPosteriorLog(f)
}

// Posteriors 取出后验序列，用于 DecisionEngine.Replay
func Posteriors(obs []Observation) []DecisionEngine.Posterior {
	out := make([]DecisionEngine.Posterior, len(obs))
	for i, o := range obs {
		out[i] = o.Posterior
	}
	return out
}

// NoOpLogger 是一个空实现，不记录后验时使用
// 这样可以避免在核心代码中写大量的 if logger != nil check
type NoOpLogger struct{}

func (NoOpLogger) Record(Observation) error { return nil }
func (NoOpLogger) Close() error             { return nil }
