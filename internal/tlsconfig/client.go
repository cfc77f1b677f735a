package tlsconfig

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/watch"
)

// ClientOptions 客户端 TLS 配置
type ClientOptions struct {
	// SNIOverride 替代目标主机名作为 SNI
	SNIOverride string

	// SNIDisable 不发送 SNI
	SNIDisable bool

	// VerifyCertificate 校验服务端证书；关闭时接受任意证书（包括自签名）
	VerifyCertificate bool

	// CertFile/KeyFile 客户端证书（mTLS）
	CertFile string
	KeyFile  string

	// ECHConfigList 启动时从 DNS 获取的 ECH 配置，为空表示不启用
	ECHConfigList []byte

	NextProtos []string
}

// Client 客户端 TLS 材料
type Client struct {
	opts    ClientOptions
	keyPair *watch.Reloadable[KeyPair]
	dispose *dispose.Dispose
}

// NewClient 加载客户端证书（如有）
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.SNIDisable && opts.SNIOverride != "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "tls sni disable and sni override are mutually exclusive")
	}
	if opts.SNIDisable && len(opts.ECHConfigList) > 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "tls sni disable and ECH are mutually exclusive")
	}
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "tls certificate and private key must be set together")
	}

	c := &Client{opts: opts, dispose: dispose.New(ctx, "tls client")}
	if opts.CertFile != "" {
		kp, err := watch.New(c.dispose.Ctx(), "tls client certificate", func() (*KeyPair, error) {
			return LoadKeyPair(opts.CertFile, opts.KeyFile)
		}, opts.CertFile, opts.KeyFile)
		if err != nil {
			c.dispose.Close()
			return nil, err
		}
		c.keyPair = kp
		c.dispose.AddCloser("client certificate watcher", kp)
	}
	return c, nil
}

// CommonName 客户端证书的 CN，没有证书时为空
func (c *Client) CommonName() string {
	if c.keyPair == nil {
		return ""
	}
	return c.keyPair.Load().CommonName()
}

// ServerName 连接 host 时使用的 SNI，禁用时为空
func (c *Client) ServerName(host string) string {
	switch {
	case c.opts.SNIDisable:
		return ""
	case c.opts.SNIOverride != "":
		return c.opts.SNIOverride
	}
	return host
}

// Config 连接 host 使用的 tls.Config
func (c *Client) Config(host string, nextProtos ...string) *tls.Config {
	if len(nextProtos) == 0 {
		nextProtos = c.opts.NextProtos
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName(host),
		NextProtos: nextProtos,
	}

	if c.keyPair != nil {
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &c.keyPair.Load().Certificate, nil
		}
	}

	if len(c.opts.ECHConfigList) > 0 {
		cfg.MinVersion = tls.VersionTLS13
		cfg.EncryptedClientHelloConfigList = c.opts.ECHConfigList
	}

	switch {
	case !c.opts.VerifyCertificate:
		cfg.InsecureSkipVerify = true
	case c.opts.SNIDisable:
		// 不发送 SNI 时仍按目标主机名校验证书链
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, host)
		}
	}
	return cfg
}

// Close 停止文件监视
func (c *Client) Close() error {
	return c.dispose.Close()
}

func verifyChain(cs tls.ConnectionState, host string) error {
	if len(cs.PeerCertificates) == 0 {
		return coreerrors.New(coreerrors.CodeTLSError, "server presented no certificate")
	}
	opts := x509.VerifyOptions{
		DNSName:       host,
		Intermediates: x509.NewCertPool(),
	}
	if ip := net.ParseIP(host); ip != nil {
		opts.DNSName = ip.String()
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeTLSError, "verify server certificate")
	}
	return nil
}

// IsHandshakeError 握手阶段的证书或协议错误
func IsHandshakeError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var alert tls.AlertError
	return errors.As(err, &certErr) || errors.As(err, &recordErr) || errors.As(err, &alert) ||
		coreerrors.IsCode(err, coreerrors.CodeTLSError)
}
