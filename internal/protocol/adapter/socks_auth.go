package adapter

import (
	"io"
	"net"
	"slices"

	coreerrors "wstunnel-go/internal/core/errors"
)

// handleHandshake 处理 SOCKS5 握手阶段
func (l *socksListener) handleHandshake(conn net.Conn) error {
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read handshake failed")
	}
	if header[0] != socks5Version {
		return coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported SOCKS version: %d", header[0])
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read methods failed")
	}

	// 配置了凭据时只接受用户名/密码认证
	selected := byte(socksAuthNoMatch)
	if l.credentials != nil {
		if slices.Contains(methods, socksAuthPassword) {
			selected = socksAuthPassword
		}
	} else if slices.Contains(methods, socksAuthNone) {
		selected = socksAuthNone
	}

	// +----+--------+
	// |VER | METHOD |
	// +----+--------+
	if _, err := conn.Write([]byte{socks5Version, selected}); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "write method selection failed")
	}
	if selected == socksAuthNoMatch {
		return coreerrors.New(coreerrors.CodeProtocolError, "no acceptable authentication method")
	}
	if selected == socksAuthPassword {
		return l.handlePasswordAuth(conn)
	}
	return nil
}

// handlePasswordAuth 处理用户名/密码认证
func (l *socksListener) handlePasswordAuth(conn net.Conn) error {
	// +----+------+----------+------+----------+
	// |VER | ULEN |  UNAME   | PLEN |  PASSWD  |
	// +----+------+----------+------+----------+
	// | 1  |  1   | 1 to 255 |  1   | 1 to 255 |
	// +----+------+----------+------+----------+
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read auth header failed")
	}
	if buf[0] != socksAuthVersion {
		return coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported auth version: %d", buf[0])
	}

	username := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read username failed")
	}
	if _, err := io.ReadFull(conn, buf[:1]); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read password length failed")
	}
	password := make([]byte, int(buf[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read password failed")
	}

	success := l.credentials.Match(string(username), string(password))

	// +----+--------+
	// |VER | STATUS |
	// +----+--------+
	status := byte(0x00)
	if !success {
		status = 0x01
	}
	if _, err := conn.Write([]byte{socksAuthVersion, status}); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeProtocolError, "write auth response failed")
	}
	if !success {
		return coreerrors.Newf(coreerrors.CodeProtocolError, "invalid credentials for user %q", username)
	}
	return nil
}
