package tlsconfig

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T, dir, name, cn string) (certFile, keyFile string, kp *KeyPair) {
	t.Helper()
	kp, err := SelfSigned(cn, "localhost", "127.0.0.1")
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(kp.Certificate.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	// 先写临时文件再 rename，避免监视器读到半个文件
	writeAtomic(t, certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.Certificate.Certificate[0]}))
	writeAtomic(t, keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certFile, keyFile, kp
}

func writeAtomic(t *testing.T, path string, data []byte) {
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

// handshake 在内存管道上完成一次 TLS 握手，返回双方看到的连接状态
func handshake(t *testing.T, serverCfg, clientCfg *tls.Config) (server, client tls.ConnectionState, err error) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	srv := tls.Server(a, serverCfg)
	cli := tls.Client(b, clientCfg)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Handshake()
	}()
	a.SetDeadline(time.Now().Add(5 * time.Second))
	b.SetDeadline(time.Now().Add(5 * time.Second))

	if err = cli.Handshake(); err != nil {
		a.Close()
		<-srvErr
		return
	}
	// 持续读取客户端，服务端握手后的写入（会话票据、告警）不会阻塞在管道上
	go io.Copy(io.Discard, cli)
	if err = <-srvErr; err != nil {
		return
	}
	return srv.ConnectionState(), cli.ConnectionState(), nil
}

func TestServer_SelfSignedDefault(t *testing.T) {
	srv, err := NewServer(context.Background(), ServerOptions{})
	require.NoError(t, err)
	defer srv.Close()
	assert.False(t, srv.MutualTLS())

	cli, err := NewClient(context.Background(), ClientOptions{})
	require.NoError(t, err)

	_, state, err := handshake(t, srv.Config(), cli.Config("localhost"))
	require.NoError(t, err)
	assert.Equal(t, "wstunnel", state.PeerCertificates[0].Subject.CommonName)
}

func TestServer_ReloadsCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writeKeyPair(t, dir, "server", "first")

	srv, err := NewServer(context.Background(), ServerOptions{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	defer srv.Close()
	cli, err := NewClient(context.Background(), ClientOptions{})
	require.NoError(t, err)

	_, state, err := handshake(t, srv.Config(), cli.Config("localhost"))
	require.NoError(t, err)
	assert.Equal(t, "first", state.PeerCertificates[0].Subject.CommonName)

	writeKeyPair(t, dir, "server", "second")
	require.Eventually(t, func() bool {
		_, state, err := handshake(t, srv.Config(), cli.Config("localhost"))
		return err == nil && state.PeerCertificates[0].Subject.CommonName == "second"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServer_BrokenReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writeKeyPair(t, dir, "server", "stable")

	srv, err := NewServer(context.Background(), ServerOptions{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	defer srv.Close()

	writeAtomic(t, certFile, []byte("garbage"))
	assert.Error(t, srv.keyPair.Reload())

	cli, err := NewClient(context.Background(), ClientOptions{})
	require.NoError(t, err)
	_, state, err := handshake(t, srv.Config(), cli.Config("localhost"))
	require.NoError(t, err)
	assert.Equal(t, "stable", state.PeerCertificates[0].Subject.CommonName)
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey, _ := writeKeyPair(t, dir, "server", "server")
	clientCert, clientKey, _ := writeKeyPair(t, dir, "client", "team-a")

	// 客户端自签名证书本身就是 CA
	srv, err := NewServer(context.Background(), ServerOptions{
		CertFile: serverCert, KeyFile: serverKey, ClientCAFile: clientCert,
	})
	require.NoError(t, err)
	defer srv.Close()
	assert.True(t, srv.MutualTLS())

	cli, err := NewClient(context.Background(), ClientOptions{CertFile: clientCert, KeyFile: clientKey})
	require.NoError(t, err)
	defer cli.Close()
	assert.Equal(t, "team-a", cli.CommonName())

	serverState, _, err := handshake(t, srv.Config(), cli.Config("localhost"))
	require.NoError(t, err)
	assert.Equal(t, "team-a", PeerCommonName(&serverState))

	anonymous, err := NewClient(context.Background(), ClientOptions{})
	require.NoError(t, err)
	_, _, err = handshake(t, srv.Config(), anonymous.Config("localhost"))
	assert.Error(t, err)
}

func TestClient_VerifyCertificate(t *testing.T) {
	srv, err := NewServer(context.Background(), ServerOptions{})
	require.NoError(t, err)
	defer srv.Close()

	for _, disableSNI := range []bool{false, true} {
		cli, err := NewClient(context.Background(), ClientOptions{VerifyCertificate: true, SNIDisable: disableSNI})
		require.NoError(t, err)
		_, _, err = handshake(t, srv.Config(), cli.Config("localhost"))
		assert.Error(t, err, "self-signed certificate must be rejected when verification is on (sni disabled=%v)", disableSNI)
	}
}

func TestClient_ServerName(t *testing.T) {
	tests := []struct {
		name string
		opts ClientOptions
		want string
	}{
		{"destination host", ClientOptions{}, "example.com"},
		{"override", ClientOptions{SNIOverride: "cdn.example.net"}, "cdn.example.net"},
		{"disabled", ClientOptions{SNIDisable: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, err := NewClient(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cli.Config("example.com").ServerName)
		})
	}
}

func TestClient_InvalidOptions(t *testing.T) {
	for name, opts := range map[string]ClientOptions{
		"sni disable with override": {SNIDisable: true, SNIOverride: "x"},
		"sni disable with ech":      {SNIDisable: true, ECHConfigList: []byte{1}},
		"cert without key":          {CertFile: "a.crt"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient(context.Background(), opts)
			assert.Error(t, err)
		})
	}
}
