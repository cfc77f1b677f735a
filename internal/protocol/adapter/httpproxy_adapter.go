package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/tunnel"
	"wstunnel-go/internal/utils/iocopy"
)

// httpProxyListener HTTP 代理：CONNECT 以及绝对 URI 形式的普通请求
type httpProxyListener struct {
	ln          net.Listener
	credentials *tunnel.Credentials
}

func listenHTTPProxy(spec tunnel.Spec) (Listener, error) {
	addr := spec.Local.String()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, listenError(err, "tcp", addr)
	}
	return &httpProxyListener{ln: ln, credentials: spec.Protocol.Credentials}, nil
}

func (l *httpProxyListener) Accept() (Handshake, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*Accepted, error) {
		acc, err := l.negotiate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return acc, nil
	}, nil
}

func (l *httpProxyListener) negotiate(ctx context.Context, conn net.Conn) (*Accepted, error) {
	reset := withDeadline(ctx, conn)
	defer reset()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read proxy request failed")
	}

	if l.credentials != nil && !l.authorized(req) {
		writeStatus(conn, http.StatusProxyAuthRequired, "Proxy-Authenticate: Basic realm=\"wstunnel\"\r\n")
		return nil, coreerrors.New(coreerrors.CodeProtocolError, "proxy authentication failed")
	}

	acc := &Accepted{
		Kind: tunnel.KindTCP,
		Peer: conn.RemoteAddr().String(),
	}

	if req.Method == http.MethodConnect {
		if acc.Host, acc.Port, err = splitTarget(req.Host, 443); err != nil {
			writeStatus(conn, http.StatusBadRequest, "")
			return nil, err
		}
		acc.Conn, err = bufferedConn(conn, br, nil)
		if err != nil {
			return nil, err
		}
		acc.reply = func(err error) error {
			if err != nil {
				return writeStatus(conn, httpFailureStatus(err), "")
			}
			_, werr := io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
			return werr
		}
		return acc, nil
	}

	// 普通代理请求：把请求改写成 origin-form 后原样送入隧道，请求体留在连接中
	if req.URL.Host == "" {
		writeStatus(conn, http.StatusBadRequest, "")
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "not a proxy request: %s %s", req.Method, req.RequestURI)
	}
	if acc.Host, acc.Port, err = splitTarget(req.URL.Host, 80); err != nil {
		writeStatus(conn, http.StatusBadRequest, "")
		return nil, err
	}
	acc.Conn, err = bufferedConn(conn, br, rewriteRequest(req))
	if err != nil {
		return nil, err
	}
	acc.reply = func(err error) error {
		if err != nil {
			return writeStatus(conn, httpFailureStatus(err), "")
		}
		return nil
	}
	return acc, nil
}

func (l *httpProxyListener) authorized(req *http.Request) bool {
	auth := req.Header.Get("Proxy-Authorization")
	scheme, encoded, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	login, password, ok := strings.Cut(string(decoded), ":")
	return ok && l.credentials.Match(login, password)
}

func (l *httpProxyListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *httpProxyListener) Close() error {
	return l.ln.Close()
}

// rewriteRequest 生成 origin-form 请求头；目标唯一，因此强制 Connection: close
func rewriteRequest(req *http.Request) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/%d.%d\r\n", req.Method, req.URL.RequestURI(), req.ProtoMajor, req.ProtoMinor)
	fmt.Fprintf(&buf, "Host: %s\r\n", req.URL.Host)

	header := req.Header.Clone()
	for name := range header {
		if strings.HasPrefix(strings.ToLower(name), "proxy-") {
			header.Del(name)
		}
	}
	header.Set("Connection", "close")
	if len(req.TransferEncoding) > 0 {
		header.Set("Transfer-Encoding", strings.Join(req.TransferEncoding, ", "))
	} else if req.ContentLength > 0 && header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}
	header.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// bufferedConn 把已缓冲的字节（以及可选的前缀）接回连接的读方向
func bufferedConn(conn net.Conn, br *bufio.Reader, prefix []byte) (io.ReadWriteCloser, error) {
	if br.Buffered() == 0 && len(prefix) == 0 {
		return conn, nil
	}
	r := io.MultiReader(bytes.NewReader(prefix), br)
	closeWrite := func() error {
		if cw, ok := conn.(iocopy.CloseWriter); ok {
			return cw.CloseWrite()
		}
		return nil
	}
	return iocopy.NewReadWriteCloser(r, conn, conn.Close, closeWrite)
}

func splitTarget(hostport string, defaultPort uint16) (string, uint16, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return strings.Trim(hostport, "[]"), defaultPort, nil
	}
	host, port, err := tunnel.SplitHostPort(hostport)
	if err != nil {
		return "", 0, coreerrors.Wrapf(err, coreerrors.CodeProtocolError, "invalid proxy target %q", hostport)
	}
	return host, port, nil
}

func httpFailureStatus(err error) int {
	switch coreerrors.GetCode(err) {
	case coreerrors.CodeRestrictionDenied:
		return http.StatusForbidden
	case coreerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeStatus(conn net.Conn, status int, extra string) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%sContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), extra)
	return err
}
