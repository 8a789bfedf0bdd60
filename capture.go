package ssvep

import (
	"bufio"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// CaptureFile 把设备送来的原始字节原样存盘，之后可以用 FileSource 回放
// 接收线程写入，关闭前应先等接收线程退出
type CaptureFile struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	n    int64
}

// NewCaptureFile 创建抓包文件
func NewCaptureFile(path string) (*CaptureFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create capture file")
	}
	return &CaptureFile{file: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Write 实现 io.Writer
func (c *CaptureFile) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Size 已写入的字节数
func (c *CaptureFile) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Close 刷新缓冲并关闭文件
func (c *CaptureFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil {
		c.file.Close()
		return errors.Wrap(err, "flush capture file")
	}
	return c.file.Close()
}
