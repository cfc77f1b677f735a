// Package wire 隧道打开请求的编码
//
// 正向请求编码在升级路径 /{prefix}/{token} 中，token 是一个 HS256 JWT。
// 密钥是公开的固定值：token 只是一种自描述、防篡改的编码，不承担认证。
// 反向隧道在 yamux 流上以 2 字节长度前缀发送同样的 token，客户端回复一个状态字节。
package wire

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	coreerrors "wstunnel-go/internal/core/errors"
)

// Kind 请求类型
type Kind string

const (
	KindTCP     Kind = "tcp"
	KindUDP     Kind = "udp"
	KindReverse Kind = "reverse"
)

var signingKey = []byte("wstunnel-go/v1")

// MaxTokenSize 反向打开请求 token 的最大长度
const MaxTokenSize = 0xffff

// Request 一个隧道打开请求
type Request struct {
	ID   string
	Kind Kind

	// 目标地址
	Host string
	Port uint16

	// ProxyProtocol 服务端需向目标写入 PROXY protocol v2 头
	ProxyProtocol bool

	// Timeout UDP 会话空闲超时，0 表示不限
	Timeout time.Duration

	// Routes 反向控制连接请求服务端绑定的路由
	Routes []string
}

// Destination host:port
func (r Request) Destination() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

type claims struct {
	ID            string   `json:"id"`
	Protocol      Kind     `json:"p"`
	Host          string   `json:"r"`
	Port          uint16   `json:"rp"`
	ProxyProtocol bool     `json:"pp,omitempty"`
	TimeoutSec    int64    `json:"to,omitempty"`
	Routes        []string `json:"rt,omitempty"`
	jwt.RegisteredClaims
}

// NewID 生成请求 ID（时间有序）
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Encode 将请求编码为 token
func Encode(req Request) (string, error) {
	if req.ID == "" {
		req.ID = NewID()
	}
	c := &claims{
		ID:            req.ID,
		Protocol:      req.Kind,
		Host:          req.Host,
		Port:          req.Port,
		ProxyProtocol: req.ProxyProtocol,
		TimeoutSec:    int64(req.Timeout / time.Second),
		Routes:        req.Routes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(signingKey)
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "sign tunnel request failed")
	}
	return token, nil
}

// Decode 解析并校验 token
func Decode(token string) (Request, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Request{}, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "invalid tunnel request")
	}

	switch c.Protocol {
	case KindTCP, KindUDP:
		if c.Host == "" {
			return Request{}, coreerrors.New(coreerrors.CodeProtocolError, "tunnel request without destination")
		}
	case KindReverse:
		if len(c.Routes) == 0 {
			return Request{}, coreerrors.New(coreerrors.CodeProtocolError, "reverse request without routes")
		}
	default:
		return Request{}, coreerrors.Newf(coreerrors.CodeProtocolError, "unknown tunnel protocol %q", c.Protocol)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return Request{}, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "invalid tunnel id")
	}

	return Request{
		ID:            c.ID,
		Kind:          c.Protocol,
		Host:          c.Host,
		Port:          c.Port,
		ProxyProtocol: c.ProxyProtocol,
		Timeout:       time.Duration(c.TimeoutSec) * time.Second,
		Routes:        c.Routes,
	}, nil
}

// UpgradePath 升级请求路径
func UpgradePath(prefix, token string) string {
	return "/" + prefix + "/" + token
}

// WriteOpen 在流上写入长度前缀的打开请求
func WriteOpen(w io.Writer, req Request) error {
	token, err := Encode(req)
	if err != nil {
		return err
	}
	if len(token) > MaxTokenSize {
		return coreerrors.Newf(coreerrors.CodeProtocolError, "open request too large: %d bytes", len(token))
	}
	frame := make([]byte, 2+len(token))
	binary.BigEndian.PutUint16(frame, uint16(len(token)))
	copy(frame[2:], token)
	if _, err := w.Write(frame); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "write open request failed")
	}
	return nil
}

// ReadOpen 读取长度前缀的打开请求
func ReadOpen(r io.Reader) (Request, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, coreerrors.Wrap(err, coreerrors.CodeTransportError, "read open request failed")
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Request{}, coreerrors.Wrap(err, coreerrors.CodeTransportError, "read open request failed")
	}
	return Decode(string(buf))
}

// 打开结果状态字节
const (
	StatusOK     byte = 0
	StatusFailed byte = 1
)

// WriteStatus 回复打开结果
func WriteStatus(w io.Writer, status byte) error {
	if _, err := w.Write([]byte{status}); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "write open status failed")
	}
	return nil
}

// ReadStatus 读取打开结果，失败状态返回 TransportError
func ReadStatus(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "read open status failed")
	}
	if b[0] != StatusOK {
		return coreerrors.New(coreerrors.CodeTransportError, "remote failed to open tunnel")
	}
	return nil
}
