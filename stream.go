package ssvep

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"ssvep/StreamDecoder"
)

// ErrStall 设备在 stall_timeout 内没有送来完整的一批数据
var ErrStall = errors.New("device stalled")

// Stream 一次采集会话的数据通路: 接收线程 -> 有界队列 -> 解码器
// 除 Receiver 的 Pause/Resume 以外，其余方法只能在同一个 goroutine 中调用
type Stream struct {
	Receiver *Receiver
	Decoder  *StreamDecoder.Decoder
	Header   *StreamDecoder.Pattern
	Sentinel *StreamDecoder.Pattern

	stall  time.Duration
	chunks chan []byte
	done   chan struct{}
	err    error
	last   int
}

// OpenStream 启动接收线程，返回后还需要调用 Calibrate
func OpenStream(ctx context.Context, cfg *Config, src ByteSource, capture io.Writer) *Stream {
	s := &Stream{
		Receiver: NewReceiver(src, cfg.Source.ChunkSize),
		Header:   StreamDecoder.HeaderPattern(),
		stall:    cfg.Stream.StallTimeout,
		chunks:   make(chan []byte, max(cfg.Source.QueueSize, 1)),
		done:     make(chan struct{}),
		last:     -1,
	}
	s.Receiver.Capture = capture

	s.Decoder = StreamDecoder.NewDecoder(StreamDecoder.NewChanSource(s.chunks))
	s.Decoder.HeaderPeriod = cfg.Stream.HeaderPeriod
	if len(cfg.Stream.Kinds) > 0 {
		s.Decoder.Kinds = cfg.Stream.Kinds
	}

	go func() {
		defer close(s.done)
		s.err = s.Receiver.Run(ctx, s.chunks)
	}()
	return s
}

// Calibrate 找出批次哨兵
// 设备可能还没连上，这里不设超时，由 ctx 控制
func (s *Stream) Calibrate(ctx context.Context) error {
	p, err := s.Decoder.DetectSentinel(ctx)
	if err != nil {
		return errors.Wrap(err, "detect batch sentinel")
	}
	s.Sentinel = p
	slog.Info("batch sentinel detected", "pattern", p.String())
	return nil
}

// Align 丢弃数据直到批次边界
func (s *Stream) Align(ctx context.Context) error {
	cctx, cancel := s.bounded(ctx)
	defer cancel()

	last, err := s.Decoder.DiscardUntilSentinel(cctx, s.Sentinel, s.Header)
	if err != nil {
		return s.stalled(ctx, err)
	}
	s.last = last
	return nil
}

// Collect 收集 d 时长的完整批次并解析
func (s *Stream) Collect(ctx context.Context, d time.Duration) (*StreamDecoder.Window, StreamDecoder.PeriodBuffer, error) {
	cctx, cancel := s.bounded(ctx)
	defer cancel()

	w, err := s.Decoder.Collect(cctx, d, s.Header, s.Sentinel, s.last)
	if err != nil {
		return nil, nil, s.stalled(ctx, err)
	}
	s.last = w.LastStamp
	return w, s.Decoder.ToPeriodBuffer(w.Records), nil
}

// Drain 丢掉队列里已经收到但还没解码的数据块，并清空解码器的残片
func (s *Stream) Drain() int {
	n := 0
	for {
		select {
		case <-s.chunks:
			n++
		default:
			s.Decoder.Reset()
			s.last = -1
			return n
		}
	}
}

// Done 接收线程结束时关闭
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err 接收线程的错误，只在 Done 之后有意义
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stall <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stall)
}

// stalled 区分调用方取消和设备超时
func (s *Stream) stalled(parent context.Context, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrStall, "no sentinel within %v", s.stall)
	}
	return err
}
