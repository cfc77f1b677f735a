package tlsconfig

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/watch"
)

// ServerOptions 服务端 TLS 配置
type ServerOptions struct {
	CertFile string
	KeyFile  string

	// ClientCAFile 配置后要求客户端证书（mTLS）
	ClientCAFile string

	// NextProtos ALPN，默认 h2 和 http/1.1
	NextProtos []string
}

// Server 服务端 TLS 材料，证书和 CA 文件变化时自动重新加载
type Server struct {
	keyPair    *watch.Reloadable[KeyPair]
	clientCAs  *watch.Reloadable[x509.CertPool]
	nextProtos []string
	dispose    *dispose.Dispose
}

// NewServer 加载证书；未配置证书文件时使用内存中的自签名证书
func NewServer(ctx context.Context, opts ServerOptions) (*Server, error) {
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "tls certificate and private key must be set together")
	}

	s := &Server{
		nextProtos: opts.NextProtos,
		dispose:    dispose.New(ctx, "tls server"),
	}
	if len(s.nextProtos) == 0 {
		s.nextProtos = []string{"h2", "http/1.1"}
	}

	var err error
	if opts.CertFile != "" {
		s.keyPair, err = watch.New(s.dispose.Ctx(), "tls certificate", func() (*KeyPair, error) {
			return LoadKeyPair(opts.CertFile, opts.KeyFile)
		}, opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		s.dispose.AddCloser("certificate watcher", s.keyPair)
	} else {
		kp, err := SelfSigned("wstunnel", "localhost")
		if err != nil {
			return nil, err
		}
		corelog.Warnf("tls: no certificate configured, using a self-signed certificate")
		s.keyPair = watch.Static(kp)
	}

	if opts.ClientCAFile != "" {
		s.clientCAs, err = watch.New(s.dispose.Ctx(), "tls client CA", func() (*x509.CertPool, error) {
			return LoadCAPool(opts.ClientCAFile)
		}, opts.ClientCAFile)
		if err != nil {
			s.dispose.Close()
			return nil, err
		}
		s.dispose.AddCloser("client CA watcher", s.clientCAs)
	}
	return s, nil
}

// MutualTLS 是否要求客户端证书
func (s *Server) MutualTLS() bool {
	return s.clientCAs != nil
}

// Config 返回 tls.Config，每次握手读取最新的证书和 CA
func (s *Server) Config() *tls.Config {
	base := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: s.nextProtos,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &s.keyPair.Load().Certificate, nil
		},
	}
	if s.clientCAs == nil {
		return base
	}

	base.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		cfg := base.Clone()
		cfg.GetConfigForClient = nil
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = s.clientCAs.Load()
		return cfg, nil
	}
	return base
}

// Close 停止文件监视
func (s *Server) Close() error {
	return s.dispose.Close()
}

// PeerCommonName 连接上客户端证书的 CN，没有客户端证书时为空
func PeerCommonName(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
