package ssvep

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// WavReader 读取 16-bit PCM WAV，多声道取平均
type WavReader struct {
	file       *os.File
	r          *bufio.Reader
	SampleRate int
	Channels   int
	DataSize   int
	remaining  int
}

// NewWavReader 打开文件并定位到 data 块
func NewWavReader(filename string) (*WavReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open wav file")
	}
	w, err := newWavReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, filename)
	}
	return w, nil
}

func newWavReader(f *os.File) (*WavReader, error) {
	riff := make([]byte, 12)
	if _, err := io.ReadFull(f, riff); err != nil {
		return nil, errors.Wrap(err, "read riff header")
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a wav file")
	}

	var channels, sampleRate, bits int
	foundFmt := false
	for {
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, errors.New("missing data chunk")
			}
			return nil, err
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		pad := size % 2

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("fmt chunk too small")
			}
			body := make([]byte, size+pad)
			if _, err := io.ReadFull(f, body); err != nil {
				return nil, errors.Wrap(err, "read fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, errors.Errorf("only 16-bit wav supported, got %d", bits)
			}
			if channels < 1 {
				return nil, errors.Errorf("bad channel count %d", channels)
			}
			return &WavReader{
				file:       f,
				r:          bufio.NewReader(f),
				SampleRate: sampleRate,
				Channels:   channels,
				DataSize:   int(size),
				remaining:  int(size),
			}, nil
		default:
			if _, err := f.Seek(size+pad, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}
}

// ReadSamples 实现 SampleSource，读到文件末尾返回 io.EOF
func (r *WavReader) ReadSamples(ctx context.Context, n int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := 2 * r.Channels
	want := n * frame
	if want > r.remaining {
		want = r.remaining - r.remaining%frame
	}
	if want == 0 {
		return nil, io.EOF
	}

	buf := make([]byte, want)
	got, err := io.ReadFull(r.r, buf)
	r.remaining -= got
	frames := got / frame
	if frames == 0 {
		if err == nil || err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}

	out := make([]float64, frames)
	for i := range out {
		acc := 0.0
		for c := 0; c < r.Channels; c++ {
			off := i*frame + c*2
			acc += float64(int16(binary.LittleEndian.Uint16(buf[off:]))) / 32768.0
		}
		out[i] = acc / float64(r.Channels)
	}
	return out, nil
}

// Close 关闭文件
func (r *WavReader) Close() error {
	return r.file.Close()
}
