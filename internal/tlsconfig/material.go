// Package tlsconfig 证书材料加载与热更新，以及客户端/服务端 tls.Config 的构造
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"time"

	coreerrors "wstunnel-go/internal/core/errors"
)

// KeyPair 证书及解析后的叶子证书
type KeyPair struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
}

// CommonName 叶子证书的 CN
func (k *KeyPair) CommonName() string {
	if k == nil || k.Leaf == nil {
		return ""
	}
	return k.Leaf.Subject.CommonName
}

// LoadKeyPair 读取 PEM 格式的证书链和私钥
func LoadKeyPair(certFile, keyFile string) (*KeyPair, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTLSError, "load certificate %s / key %s", certFile, keyFile)
	}
	return newKeyPair(cert)
}

func newKeyPair(cert tls.Certificate) (*KeyPair, error) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeTLSError, "parse leaf certificate")
		}
		cert.Leaf = leaf
	}
	return &KeyPair{Certificate: cert, Leaf: leaf}, nil
}

// LoadCAPool 读取 PEM 格式的 CA 证书集合
func LoadCAPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTLSError, "read CA bundle %s", file)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, coreerrors.Newf(coreerrors.CodeTLSError, "no certificate found in CA bundle %s", file)
	}
	return pool, nil
}

// SelfSigned 生成内存中的自签名证书，未配置证书时服务端使用
func SelfSigned(commonName string, hosts ...string) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeTLSError, "generate private key")
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeTLSError, "generate serial number")
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"wstunnel"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range append([]string{commonName}, hosts...) {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeTLSError, "create certificate")
	}
	return newKeyPair(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key})
}
