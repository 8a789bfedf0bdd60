package ssvep

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"ssvep/StreamDecoder"
)

// ByteSource 设备字节流的来源
// Next 阻塞直到有一条新的连接可读，不会再有连接时返回 io.EOF
type ByteSource interface {
	Next(ctx context.Context) (io.ReadCloser, error)
	Close() error
}

// NewSource 按配置创建数据源
func NewSource(cfg *Config) (ByteSource, error) {
	switch cfg.Source.Kind {
	case SourceTCP:
		return NewTCPListener(cfg.Source.Address, cfg.Source.Preflight), nil
	case SourceSerial:
		return NewSerialSource(cfg.Source.SerialPort, cfg.Source.BaudRate), nil
	case SourceFile:
		return &FileSource{Path: cfg.Source.ReplayFile, Pace: cfg.Source.ReplayPace, ChunkSize: cfg.Source.ChunkSize}, nil
	}
	return nil, errors.Errorf("unknown source kind %q", cfg.Source.Kind)
}

// ============================================================================
// TCP
// ============================================================================

// TCPListener 等待设备连进来 (BCI2000 App Connector 是客户端)
// 设备断开后继续等待下一次连接
type TCPListener struct {
	Address   string
	Preflight bool // 设备启动时会先连接再立即断开一次

	ln          net.Listener
	preflighted bool
}

// NewTCPListener 创建监听器，第一次 Next 时才真正监听
func NewTCPListener(address string, preflight bool) *TCPListener {
	return &TCPListener{Address: address, Preflight: preflight}
}

// Listen 绑定地址
func (l *TCPListener) Listen() error {
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", l.Address)
	}
	l.ln = ln
	slog.Info("waiting for device", "address", ln.Addr().String(), "preflight", l.Preflight)
	return nil
}

// Addr 实际监听的地址 (端口为 0 时有用)
func (l *TCPListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Next 实现 ByteSource
func (l *TCPListener) Next(ctx context.Context) (io.ReadCloser, error) {
	if err := l.Listen(); err != nil {
		return nil, err
	}

	if d, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetDeadline(time.Now())
		})
		defer stop()
	}

	if l.Preflight && !l.preflighted {
		conn, err := l.accept(ctx)
		if err != nil {
			return nil, err
		}
		conn.Close()
		l.preflighted = true
		slog.Debug("preflight connection dropped", "remote", conn.RemoteAddr().String())
	}

	conn, err := l.accept(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("device connected", "remote", conn.RemoteAddr().String())
	return conn, nil
}

func (l *TCPListener) accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "accept")
	}
	return conn, nil
}

// Close 停止监听
func (l *TCPListener) Close() error {
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// ============================================================================
// 串口
// ============================================================================

// SerialPort 定义串口操作接口，方便测试 Mock
type SerialPort interface {
	io.ReadWriteCloser
}

// SerialSource 从串口读取设备输出，只有一条 "连接"
type SerialSource struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration

	conn SerialPort
	// timeouts 为 true 时读超时会表现为 0 字节 + io.EOF，不能当作结束
	timeouts bool
	used     bool
}

// NewSerialSource 创建串口数据源
func NewSerialSource(port string, baudRate int) *SerialSource {
	return &SerialSource{
		Port:        port,
		BaudRate:    baudRate,
		ReadTimeout: 500 * time.Millisecond,
	}
}

// Open 打开串口
func (s *SerialSource) Open() error {
	config := &serial.Config{
		Name:        s.Port,
		Baud:        s.BaudRate,
		ReadTimeout: s.ReadTimeout,
	}
	p, err := serial.OpenPort(config)
	if err != nil {
		return errors.Wrapf(err, "open serial port %s", s.Port)
	}
	s.conn = p
	s.timeouts = s.ReadTimeout > 0
	return nil
}

// Next 实现 ByteSource
func (s *SerialSource) Next(ctx context.Context) (io.ReadCloser, error) {
	if s.used {
		return nil, io.EOF
	}
	if s.conn == nil {
		if err := s.Open(); err != nil {
			return nil, err
		}
	}
	s.used = true
	return &serialReader{port: s.conn, timeouts: s.timeouts}, nil
}

// Close 关闭串口连接
func (s *SerialSource) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

type serialReader struct {
	port     SerialPort
	timeouts bool
	closed   atomic.Bool
}

func (r *serialReader) Read(p []byte) (int, error) {
	for {
		n, err := r.port.Read(p)
		if n == 0 && err == io.EOF && r.timeouts && !r.closed.Load() {
			// 读超时，继续等
			continue
		}
		return n, err
	}
}

func (r *serialReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.port.Close()
}

// ============================================================================
// 文件回放
// ============================================================================

// FileSource 回放之前抓下来的原始字节
type FileSource struct {
	Path      string
	Pace      time.Duration // 每块之间的间隔，0 表示尽快读完
	ChunkSize int

	used bool
}

// Next 实现 ByteSource
func (s *FileSource) Next(ctx context.Context) (io.ReadCloser, error) {
	if s.used {
		return nil, io.EOF
	}
	s.used = true

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open replay file")
	}
	slog.Info("replaying capture", "file", s.Path, "pace", s.Pace)
	if s.Pace <= 0 {
		return f, nil
	}
	return newPacedReader(ctx, f, s.Pace, s.ChunkSize), nil
}

// Close 实现 ByteSource
func (s *FileSource) Close() error {
	return nil
}

// pacedReader 模拟实时速度: 每个间隔最多读 chunk 字节
type pacedReader struct {
	ctx    context.Context
	f      io.ReadCloser
	ticker *time.Ticker
	chunk  int
}

func newPacedReader(ctx context.Context, f io.ReadCloser, pace time.Duration, chunk int) *pacedReader {
	if chunk <= 0 {
		chunk = 4096
	}
	return &pacedReader{ctx: ctx, f: f, ticker: time.NewTicker(pace), chunk: chunk}
}

func (r *pacedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-r.ticker.C:
	}
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	return r.f.Read(p)
}

func (r *pacedReader) Close() error {
	r.ticker.Stop()
	return r.f.Close()
}

// ============================================================================
// 接收线程
// ============================================================================

// Receiver 从 ByteSource 读数据写进有界队列，不做任何解析
// 暂停期间收到的数据直接丢弃 (训练时的休息阶段)
type Receiver struct {
	Source    ByteSource
	ChunkSize int
	Capture   io.Writer // 不为 nil 时转发出去的原始字节同时写一份，Run 返回前不能关闭

	paused        atomic.Bool
	captureFailed bool
}

// NewReceiver 创建接收器
func NewReceiver(src ByteSource, chunkSize int) *Receiver {
	return &Receiver{Source: src, ChunkSize: chunkSize}
}

// Pause 暂停转发
func (r *Receiver) Pause() {
	r.paused.Store(true)
}

// Resume 恢复转发
func (r *Receiver) Resume() {
	r.paused.Store(false)
}

// Receiving 是否正在转发
func (r *Receiver) Receiving() bool {
	return !r.paused.Load()
}

// admit 暂停时丢弃，否则先写一份到 Capture
// 抓下来的文件和解码器实际看到的字节一致
func (r *Receiver) admit(chunk []byte) bool {
	if !r.Receiving() {
		return false
	}
	if r.Capture != nil {
		if _, err := r.Capture.Write(chunk); err != nil && !r.captureFailed {
			r.captureFailed = true
			slog.Warn("capture write failed", ErrAttr(err))
		}
	}
	return true
}

// Run 阻塞运行直到数据源结束或 ctx 取消，返回时关闭 out
func (r *Receiver) Run(ctx context.Context, out chan<- []byte) error {
	defer close(out)

	for {
		conn, err := r.Source.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Read 不感知 ctx，取消时关闭连接让它返回
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		err = StreamDecoder.Forward(ctx, conn, out, r.ChunkSize, r.admit)

		stop()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("device connection failed", ErrAttr(err))
		} else {
			slog.Info("device disconnected")
		}
	}
}
