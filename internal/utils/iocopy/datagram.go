package iocopy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxDatagramSize 单个 UDP 数据报的最大长度（2 字节长度前缀上限）
const MaxDatagramSize = 65535

var datagramBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MaxDatagramSize+2)
		return &buf
	},
}

// ErrDatagramTooLarge 数据报超过长度前缀能表示的范围
var ErrDatagramTooLarge = errors.New("datagram too large")

// WriteDatagram 写入 2 字节大端长度前缀 + 数据，一次 Write 完成
func WriteDatagram(w io.Writer, p []byte) error {
	if len(p) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}
	bufPtr := datagramBufferPool.Get().(*[]byte)
	defer datagramBufferPool.Put(bufPtr)
	frame := (*bufPtr)[:2+len(p)]
	binary.BigEndian.PutUint16(frame, uint16(len(p)))
	copy(frame[2:], p)
	_, err := w.Write(frame)
	return err
}

// ReadDatagram 读取一个带长度前缀的数据报到 buf
func ReadDatagram(r io.Reader, buf []byte) (int, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size > len(buf) {
		return 0, fmt.Errorf("datagram of %d bytes exceeds buffer of %d", size, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return size, nil
}

// DatagramConn 在字节流上保持数据报边界：每次 Read 返回一个数据报，每次 Write 发送一个
type DatagramConn struct {
	stream io.ReadWriteCloser
	rmu    sync.Mutex
	wmu    sync.Mutex
}

// NewDatagramConn 包装隧道字节流
func NewDatagramConn(stream io.ReadWriteCloser) *DatagramConn {
	return &DatagramConn{stream: stream}
}

func (c *DatagramConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return ReadDatagram(c.stream, p)
}

func (c *DatagramConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteDatagram(c.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *DatagramConn) Close() error {
	return c.stream.Close()
}

func (c *DatagramConn) CloseWrite() error {
	if cw, ok := c.stream.(CloseWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Datagram 本地数据报连接与隧道字节流之间的双向拷贝
// local 的每次 Read/Write 对应一个完整数据报
func Datagram(local io.ReadWriteCloser, stream io.ReadWriteCloser, options *Options) *Result {
	if options == nil {
		options = &Options{}
	}
	return bidirectional(local, NewDatagramConn(stream), options, true)
}
