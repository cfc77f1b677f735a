package adapter

import (
	"encoding/binary"
	"io"
	"net"

	coreerrors "wstunnel-go/internal/core/errors"
)

// handleRequest 读取 SOCKS5 请求，返回目标地址
func handleRequest(conn net.Conn) (string, uint16, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read request header failed")
	}
	if buf[0] != socks5Version {
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported SOCKS version: %d", buf[0])
	}

	cmd, addrType := buf[1], buf[3]
	switch cmd {
	case socksCmdConnect:
	case socksCmdBind, socksCmdUDPAssociate:
		sendReply(conn, socksRepCommandNotSupported, nil)
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported SOCKS command: %d", cmd)
	default:
		sendReply(conn, socksRepCommandNotSupported, nil)
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unknown SOCKS command: %d", cmd)
	}

	var host string
	switch addrType {
	case socksAddrTypeIPv4, socksAddrTypeIPv6:
		size := net.IPv4len
		if addrType == socksAddrTypeIPv6 {
			size = net.IPv6len
		}
		addr := make([]byte, size)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read address failed")
		}
		host = net.IP(addr).String()

	case socksAddrTypeDomain:
		if _, err := io.ReadFull(conn, buf[:1]); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read domain length failed")
		}
		domain := make([]byte, int(buf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read domain failed")
		}
		host = string(domain)

	default:
		sendReply(conn, socksRepAddrTypeNotSupported, nil)
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported address type: %d", addrType)
	}

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read port failed")
	}
	return host, binary.BigEndian.Uint16(buf[:2]), nil
}

// sendReply 发送 SOCKS5 应答，bind 为空时填 0.0.0.0:0
func sendReply(conn net.Conn, rep byte, bind net.Addr) error {
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	ip := net.IPv4zero
	port := 0
	if tcp, ok := bind.(*net.TCPAddr); ok {
		ip, port = tcp.IP, tcp.Port
	}

	reply := make([]byte, 0, 22)
	reply = append(reply, socks5Version, rep, 0x00)
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, socksAddrTypeIPv4)
		reply = append(reply, ip4...)
	} else {
		reply = append(reply, socksAddrTypeIPv6)
		reply = append(reply, ip.To16()...)
	}
	reply = binary.BigEndian.AppendUint16(reply, uint16(port))

	_, err := conn.Write(reply)
	return err
}
