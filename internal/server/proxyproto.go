package server

import (
	"net"

	"github.com/pires/go-proxyproto"

	coreerrors "wstunnel-go/internal/core/errors"
)

// writeProxyHeader 向目标写入 PROXY protocol v2 头：源为隧道对端，目的为拨号地址
func writeProxyHeader(dst net.Conn, peer string) error {
	src, err := net.ResolveTCPAddr("tcp", peer)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeProtocolError, "invalid peer address %s", peer)
	}
	header := proxyproto.HeaderProxyFromAddrs(2, src, dst.RemoteAddr())
	if _, err := header.WriteTo(dst); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "write proxy protocol header")
	}
	return nil
}
