package NaiveBayes

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// modelFile 模型文件的序列化格式
type modelFile struct {
	Version  int                    `msgpack:"version"`
	Num      int                    `msgpack:"num"`
	Models   map[string]*ClassModel `msgpack:"models"`
	Examples []Example              `msgpack:"examples,omitempty"`
}

const modelVersion = 1

// Encode 把模型写成 msgpack
// withData 为 true 时连同训练集一起保存，加载后仍可做交叉验证
func (c *Classifier) Encode(w io.Writer, withData bool) error {
	f := modelFile{
		Version: modelVersion,
		Num:     c.num,
		Models:  c.models,
	}
	if withData {
		f.Examples = c.trainingData
	}
	return errors.Wrap(msgpack.NewEncoder(w).Encode(&f), "encode model")
}

// Decode 从 msgpack 读取模型
func Decode(r io.Reader) (*Classifier, error) {
	var f modelFile
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	if f.Version != modelVersion {
		return nil, errors.Errorf("unsupported model version %d", f.Version)
	}
	if len(f.Models) == 0 || f.Num <= 0 {
		return nil, errors.Wrap(ErrValidation, "model file has no classes")
	}

	c := &Classifier{
		num:          f.Num,
		models:       f.Models,
		trainingData: f.Examples,
	}
	for label, m := range f.Models {
		if len(m.Mean) != f.Num || len(m.StdDev) != f.Num {
			return nil, errors.Wrapf(ErrValidation, "class %q has wrong dimension", label)
		}
		c.labels = append(c.labels, label)
	}
	sort.Strings(c.labels)
	return c, nil
}

// Save 保存模型到文件
func (c *Classifier) Save(path string, withData bool) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := c.Encode(file, withData); err != nil {
		file.Close()
		return err
	}
	return errors.WithStack(file.Close())
}

// Load 从文件加载模型
func Load(path string) (*Classifier, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()
	return Decode(file)
}
