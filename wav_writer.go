package ssvep

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// WavWriter 把模拟器的时域采样写成 16-bit 单声道 WAV
// Scale 为满幅对应的采样值，超出部分限幅
type WavWriter struct {
	Scale float64

	file       *os.File
	sampleRate int
	dataSize   int
}

// NewWavWriter 创建文件，先写一个占位的头，Close 时回填大小
func NewWavWriter(filename string, sampleRate int) (*WavWriter, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create wav file")
	}
	if _, err := f.Write(make([]byte, 44)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write wav header")
	}
	return &WavWriter{Scale: 1, file: f, sampleRate: sampleRate}, nil
}

// WriteSamples 写入一段采样
func (w *WavWriter) WriteSamples(samples []float64) error {
	scale := w.Scale
	if scale <= 0 {
		scale = 1
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		s /= scale
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}

	n, err := w.file.Write(buf)
	w.dataSize += n
	return err
}

// Close 回填 RIFF/fmt/data 头并关闭
func (w *WavWriter) Close() error {
	header := make([]byte, 44)

	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+w.dataSize))
	copy(header[8:], "WAVE")

	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)                     // PCM fmt 块大小
	binary.LittleEndian.PutUint16(header[20:], 1)                      // PCM
	binary.LittleEndian.PutUint16(header[22:], 1)                      // 单声道
	binary.LittleEndian.PutUint32(header[24:], uint32(w.sampleRate))   // 采样率
	binary.LittleEndian.PutUint32(header[28:], uint32(w.sampleRate*2)) // 字节率
	binary.LittleEndian.PutUint16(header[32:], 2)                      // 块对齐
	binary.LittleEndian.PutUint16(header[34:], 16)                     // 位深

	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(w.dataSize))

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return errors.Wrap(err, "seek wav header")
	}
	if _, err := w.file.Write(header); err != nil {
		w.file.Close()
		return errors.Wrap(err, "write wav header")
	}
	return w.file.Close()
}
