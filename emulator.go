package ssvep

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"

	"ssvep/StreamDecoder"
)

// 模拟器的采样来源
const (
	EmulatorSynth = "synth"
	EmulatorAudio = "audio"
	EmulatorWav   = "wav"
)

// NewSampleSource 按配置创建模拟器的采样来源
func NewSampleSource(cfg *Config, seed int64) (SampleSource, error) {
	e := cfg.Emulator
	switch e.Source {
	case EmulatorSynth, "":
		return NewSynth(e.SampleRate, e.Frequency, e.Amplitude, e.Noise, e.NoiseBand, seed)
	case EmulatorAudio:
		return NewAudioSource(e.SampleRate, e.AudioName)
	case EmulatorWav:
		w, err := NewWavReader(e.WavFile)
		if err != nil {
			return nil, err
		}
		if w.SampleRate != e.SampleRate {
			slog.Warn("wav sample rate differs from emulator.sample_rate, using the file's rate",
				"file", w.SampleRate, "config", e.SampleRate)
			cfg.Emulator.SampleRate = w.SampleRate
		}
		return w, nil
	}
	return nil, errors.Errorf("unknown emulator source %q", e.Source)
}

// Emulator 模拟采集设备: 每个头记录周期做一次频谱分析，按设备的文本协议输出一批
//
//	SourceTime <stamp>
//	Signal(0,0) v ... Signal(0,MaxIndex) v
//	...
//	Signal(Channels-1,MaxIndex) v
type Emulator struct {
	Source   SampleSource
	Analyzer Analyzer

	SampleRate   int
	HeaderPeriod time.Duration
	MaxIndex     int
	Channels     int
	Realtime     bool

	Record *WavWriter // 不为 nil 时同时保存时域采样

	// OnBatch 每输出一批回调一次，stamp 为该批的时间戳
	OnBatch func(stamp int, mags []float64)

	stamp   int
	history []float64
	batches int
}

// NewEmulator 按配置创建模拟器
func NewEmulator(cfg *Config, src SampleSource) (*Emulator, error) {
	e := cfg.Emulator
	an, err := NewAnalyzer(e.Method, e.SampleRate, e.FFTSize, e.Window)
	if err != nil {
		return nil, err
	}
	if e.MaxIndex < 0 || e.Channels < 1 {
		return nil, errors.Errorf("bad emulator layout: max_index %d channels %d", e.MaxIndex, e.Channels)
	}
	return &Emulator{
		Source:       src,
		Analyzer:     an,
		SampleRate:   e.SampleRate,
		HeaderPeriod: cfg.Stream.HeaderPeriod,
		MaxIndex:     e.MaxIndex,
		Channels:     e.Channels,
		Realtime:     e.Realtime,
		stamp:        e.StartStamp % StreamDecoder.ClockRange,
	}, nil
}

// Hop 每批之间前进的采样数
func (e *Emulator) Hop() int {
	hop := int(float64(e.SampleRate) * e.HeaderPeriod.Seconds())
	return max(hop, 1)
}

// Stamp 下一批要使用的时间戳
func (e *Emulator) Stamp() int {
	return e.stamp
}

// Batches 已输出的批数
func (e *Emulator) Batches() int {
	return e.batches
}

// Run 持续输出直到采样来源结束 (返回 nil)、ctx 取消或写入失败
func (e *Emulator) Run(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	hop := e.Hop()
	size := e.Analyzer.Size()

	var tick <-chan time.Time
	if e.Realtime {
		t := time.NewTicker(e.HeaderPeriod)
		defer t.Stop()
		tick = t.C
	}

	for {
		samples, err := e.Source.ReadSamples(ctx, hop)
		if len(samples) > 0 {
			if e.Record != nil {
				if werr := e.Record.WriteSamples(samples); werr != nil {
					return errors.Wrap(werr, "record samples")
				}
			}
			e.history = append(e.history, samples...)
			if len(e.history) > size {
				e.history = append(e.history[:0], e.history[len(e.history)-size:]...)
			}

			if tick != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick:
				}
			}
			if werr := e.writeBatch(bw); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			slog.Info("sample source exhausted", "batches", e.batches)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (e *Emulator) writeBatch(bw *bufio.Writer) error {
	mags := e.Analyzer.Magnitudes(e.history, e.MaxIndex)

	bw.WriteString(StreamDecoder.FormatHeader(e.stamp))
	bw.WriteByte(StreamDecoder.Delimiter)
	for ch := 0; ch < e.Channels; ch++ {
		for idx, v := range mags {
			bw.WriteString(StreamDecoder.FormatSignal(StreamDecoder.Signal{Channel: ch, Index: idx, Value: v}))
			bw.WriteByte(StreamDecoder.Delimiter)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "write batch")
	}

	if e.OnBatch != nil {
		e.OnBatch(e.stamp, mags)
	}
	e.batches++
	e.stamp = (e.stamp + int(e.HeaderPeriod/time.Millisecond)) % StreamDecoder.ClockRange
	return nil
}

// Dial 连接到分类器的监听地址，失败时每隔 retry 重试
// preflight 为 true 时先连上再立即断开一次，和真实设备启动时的行为一样
func Dial(ctx context.Context, address string, preflight bool, retry time.Duration) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			if !preflight {
				return conn, nil
			}
			conn.Close()
			slog.Debug("preflight connection closed", "address", address)
			preflight = false
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("connect failed, retrying", "address", address, ErrAttr(err), "retry", retry)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Serve 连接到 address 并输出，对端断开后重新连接，采样来源结束时返回 nil
func (e *Emulator) Serve(ctx context.Context, address string, preflight bool, retry time.Duration) error {
	for {
		conn, err := Dial(ctx, address, preflight, retry)
		if err != nil {
			return err
		}
		preflight = false
		slog.Info("connected to classifier", "address", address)

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = e.Run(ctx, conn)
		stop()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		slog.Warn("connection lost", ErrAttr(err))
	}
}
