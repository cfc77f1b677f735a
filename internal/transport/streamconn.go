package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// StreamConn 把一个 HTTP/2 流（请求体 + 响应体）包装成 net.Conn
type StreamConn struct {
	reader     io.ReadCloser
	writer     io.Writer
	flusher    http.Flusher
	closeWrite func() error
	onClose    func() error

	writeMu   sync.Mutex
	closeOnce sync.Once
	local     net.Addr
	remote    net.Addr
}

// StreamConnOptions NewStreamConn 的参数
type StreamConnOptions struct {
	// Reader 对端发来的数据
	Reader io.ReadCloser

	// Writer 发往对端；实现 http.Flusher 时每次写入后刷新
	Writer io.Writer

	// CloseWrite 半关闭写方向，为空表示不支持
	CloseWrite func() error

	// OnClose 关闭整个流
	OnClose func() error

	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// NewStreamConn 创建流连接
func NewStreamConn(opts StreamConnOptions) *StreamConn {
	c := &StreamConn{
		reader:     opts.Reader,
		writer:     opts.Writer,
		closeWrite: opts.CloseWrite,
		onClose:    opts.OnClose,
		local:      opts.LocalAddr,
		remote:     opts.RemoteAddr,
	}
	if f, ok := opts.Writer.(http.Flusher); ok {
		c.flusher = f
	}
	if c.local == nil {
		c.local = streamAddr("h2-local")
	}
	if c.remote == nil {
		c.remote = streamAddr("h2-remote")
	}
	return c
}

// Read 实现 io.Reader
func (c *StreamConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write 实现 io.Writer
func (c *StreamConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.writer.Write(p)
	if err == nil && c.flusher != nil {
		c.flusher.Flush()
	}
	return n, err
}

// CloseWrite 半关闭写方向
func (c *StreamConn) CloseWrite() error {
	if c.closeWrite == nil {
		return errors.ErrUnsupported
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closeWrite()
}

// Close 关闭流
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
		if c.onClose != nil {
			if cerr := c.onClose(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// LocalAddr 实现 net.Conn
func (c *StreamConn) LocalAddr() net.Addr { return c.local }

// RemoteAddr 实现 net.Conn
func (c *StreamConn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline HTTP/2 流不支持截止时间，空闲由上层超时控制
func (c *StreamConn) SetDeadline(time.Time) error { return nil }

// SetReadDeadline 同 SetDeadline
func (c *StreamConn) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline 同 SetDeadline
func (c *StreamConn) SetWriteDeadline(time.Time) error { return nil }

type streamAddr string

func (a streamAddr) Network() string { return "h2" }
func (a streamAddr) String() string  { return string(a) }
