package StreamDecoder

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrSourceClosed 数据源已经关闭，不会再有数据
var ErrSourceClosed = errors.New("byte source closed")

// Source 字节数据源
// Recv 阻塞直到有新数据、ctx 取消或数据源关闭
type Source interface {
	Recv(ctx context.Context) ([]byte, error)
}

// ChanSource 从有界 channel 读取数据块
// 接收线程 (Pump) 往 channel 写，解码线程从这里读，两者互不阻塞对方的解析
type ChanSource struct {
	ch <-chan []byte
}

// NewChanSource 包装一个 channel
func NewChanSource(ch <-chan []byte) *ChanSource {
	return &ChanSource{ch: ch}
}

// Recv 实现 Source
func (s *ChanSource) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.ch:
		if !ok {
			return nil, ErrSourceClosed
		}
		return chunk, nil
	}
}

// Pump 持续从 r 读取数据并写入 out，返回时关闭 out
// r.Read 本身不感知 ctx，调用方取消时应同时关闭底层连接让 Read 返回
func Pump(ctx context.Context, r io.Reader, out chan<- []byte, bufSize int) error {
	defer close(out)
	return Forward(ctx, r, out, bufSize, nil)
}

// Forward 同 Pump，但不关闭 out，r 读到 EOF 时返回 nil
// admit 不为 nil 且返回 false 时，读到的数据直接丢弃。
// admit 看到的切片在下一次 Read 时会被覆盖，不能保留
func Forward(ctx context.Context, r io.Reader, out chan<- []byte, bufSize int, admit func(chunk []byte) bool) error {
	if bufSize <= 0 {
		bufSize = 65535
	}
	buf := make([]byte, bufSize)

	for {
		n, err := r.Read(buf)
		if n > 0 && (admit == nil || admit(buf[:n])) {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "receive")
		}
	}
}

// ReaderSource 直接从 io.Reader 同步读取，每次最多 ChunkSize 字节
// 适合回放文件和测试
type ReaderSource struct {
	r         io.Reader
	ChunkSize int
}

// NewReaderSource 创建 ReaderSource
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	return &ReaderSource{r: r, ChunkSize: chunkSize}
}

// Recv 实现 Source
func (s *ReaderSource) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 4096
	}
	buf := make([]byte, size)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			return nil, ErrSourceClosed
		}
		if err != nil {
			return nil, errors.Wrap(err, "read")
		}
	}
}
