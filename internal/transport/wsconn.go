package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
)

const (
	// WebSocketBufferSize 读写缓冲
	WebSocketBufferSize = 32 * 1024

	wsWriteTimeout = 10 * time.Second
	wsCloseTimeout = time.Second
)

// minPongGrace 发出 ping 后等待 pong 的最短宽限
var minPongGrace = 5 * time.Second

// WSConnOptions WebSocket 帧层参数
type WSConnOptions struct {
	// Reader 握手时已缓冲的数据，为空时直接从连接读取
	Reader *bufio.Reader

	// Ping > 0 时定期发送 ping，超过 ping+宽限 没有收到任何帧即认为连接失效
	Ping time.Duration

	// Mask 发出的帧是否加掩码；收到的帧不论是否掩码都接受
	Mask bool
}

// WSConn 把握手完成后的 WebSocket 连接包装成 net.Conn
//
// 每个二进制帧是一段字节流。收到对端 Close 帧时 Read 返回 io.EOF，
// 写方向仍可用；CloseWrite 发送 Close 帧实现半关闭。
type WSConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	mask bool

	readMu sync.Mutex
	// 当前数据帧剩余的负载
	frameLeft   int64
	frameMask   [4]byte
	frameMasked bool
	frameOffset int
	readErr     error

	writeMu sync.Mutex
	scratch []byte

	closeSent atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	// unhealthy 心跳超时后置位
	unhealthy atomic.Bool
	deadline  time.Duration
	onClose   func(unhealthy bool)
}

// NewWSConn 包装已完成握手的连接
func NewWSConn(conn net.Conn, opts WSConnOptions) *WSConn {
	br := opts.Reader
	if br == nil {
		br = bufio.NewReaderSize(conn, WebSocketBufferSize)
	}
	c := &WSConn{
		conn:   conn,
		br:     br,
		bw:     bufio.NewWriterSize(conn, WebSocketBufferSize),
		mask:   opts.Mask,
		closed: make(chan struct{}),
	}

	if opts.Ping > 0 {
		grace := max(opts.Ping, minPongGrace)
		c.deadline = opts.Ping + grace
		conn.SetReadDeadline(time.Now().Add(c.deadline))
		go c.keepAlive(opts.Ping)
	}
	return c
}

// OnClose 连接关闭时回调，参数表示是否因心跳超时等原因失效
func (c *WSConn) OnClose(fn func(unhealthy bool)) {
	c.onClose = fn
}

func (c *WSConn) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.closeSent.Load() {
				// Close 帧之后不能再发 ping，只靠读超时判断
				continue
			}
			if err := c.writeControl(ws.OpPing, nil); err != nil {
				corelog.Debugf("WebSocket: ping failed, remote=%s: %v", c.conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// Unhealthy 心跳是否超时
func (c *WSConn) Unhealthy() bool {
	return c.unhealthy.Load()
}

// Read 实现 io.Reader
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closed:
		return 0, io.EOF
	default:
	}
	if len(p) == 0 {
		return 0, nil
	}

	for c.frameLeft == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		if err := c.nextFrame(); err != nil {
			c.readErr = err
			return 0, err
		}
	}

	if int64(len(p)) > c.frameLeft {
		p = p[:c.frameLeft]
	}
	n, err := c.br.Read(p)
	if c.frameMasked {
		ws.Cipher(p[:n], c.frameMask, c.frameOffset)
	}
	c.frameOffset += n
	c.frameLeft -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.readErr = c.readFailed(err)
		if n > 0 {
			return n, nil
		}
		return 0, c.readErr
	}
	return n, nil
}

// nextFrame 读取帧头，处理控制帧，直到遇到非空的数据帧
func (c *WSConn) nextFrame() error {
	h, err := ws.ReadHeader(c.br)
	if err != nil {
		return c.readFailed(err)
	}
	if c.deadline > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.deadline))
	}
	if h.Rsv != 0 {
		return coreerrors.New(coreerrors.CodeProtocolError, "websocket frame with reserved bits set")
	}

	if h.OpCode.IsControl() {
		if h.Length > ws.MaxControlFramePayloadSize || !h.Fin {
			return coreerrors.New(coreerrors.CodeProtocolError, "invalid websocket control frame")
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return c.readFailed(err)
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}
		return c.handleControl(h.OpCode, payload)
	}

	switch h.OpCode {
	case ws.OpBinary, ws.OpContinuation:
	default:
		return coreerrors.Newf(coreerrors.CodeTransportError, "unexpected websocket message type: %d", h.OpCode)
	}
	c.frameLeft = h.Length
	c.frameMasked = h.Masked
	c.frameMask = h.Mask
	c.frameOffset = 0
	return nil
}

func (c *WSConn) handleControl(op ws.OpCode, payload []byte) error {
	switch op {
	case ws.OpPing:
		if !c.closeSent.Load() {
			if err := c.writeControl(ws.OpPong, payload); err != nil {
				corelog.Debugf("WebSocket: pong failed, remote=%s: %v", c.conn.RemoteAddr(), err)
			}
		}
		return nil
	case ws.OpPong:
		return nil
	default:
		// 不自动回复 Close 帧：对端半关闭后本端还可以继续写
		code, reason := ws.ParseCloseFrameData(payload)
		switch code {
		case 0, ws.StatusNormalClosure, ws.StatusGoingAway, ws.StatusNoStatusRcvd:
			return io.EOF
		}
		return coreerrors.Newf(coreerrors.CodeTransportError, "websocket closed by peer: %d %s", code, reason)
	}
}

func (c *WSConn) readFailed(err error) error {
	select {
	case <-c.closed:
		return io.EOF
	default:
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && c.deadline > 0 {
		c.unhealthy.Store(true)
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "websocket pong timeout")
	}
	return coreerrors.Wrap(err, coreerrors.CodeTransportError, "websocket read failed")
}

// writeFrame 调用方持有 writeMu
func (c *WSConn) writeFrame(op ws.OpCode, payload []byte, timeout time.Duration) error {
	h := ws.Header{Fin: true, OpCode: op, Length: int64(len(payload))}
	if c.mask {
		h.Masked = true
		h.Mask = ws.NewMask()
		c.scratch = append(c.scratch[:0], payload...)
		ws.Cipher(c.scratch, h.Mask, 0)
		payload = c.scratch
	}

	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteHeader(c.bw, h); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *WSConn) writeControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(op, payload, wsWriteTimeout)
}

// Write 实现 io.Writer
func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if c.closeSent.Load() {
		return 0, io.ErrClosedPipe
	}

	if err := c.writeFrame(ws.OpBinary, p, wsWriteTimeout); err != nil {
		return 0, coreerrors.Wrap(err, coreerrors.CodeTransportError, "websocket write failed")
	}
	return len(p), nil
}

// sendClose 调用方持有 writeMu
func (c *WSConn) sendClose() error {
	if !c.closeSent.CompareAndSwap(false, true) {
		return nil
	}
	return c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""), wsCloseTimeout)
}

// CloseWrite 发送 Close 帧，之后只能读
func (c *WSConn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendClose()
}

// Close 实现 io.Closer
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// 让阻塞中的 Write 尽快返回
		c.conn.SetWriteDeadline(time.Now().Add(wsCloseTimeout))
		c.writeMu.Lock()
		c.sendClose()
		c.writeMu.Unlock()
		if c.onClose != nil {
			c.onClose(c.unhealthy.Load())
		}
		err = c.conn.Close()
		corelog.Debugf("WebSocket: connection closed, remote=%s", c.conn.RemoteAddr())
	})
	return err
}

// LocalAddr 实现 net.Conn
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr 实现 net.Conn
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline 实现 net.Conn
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline 实现 net.Conn
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline 实现 net.Conn
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
