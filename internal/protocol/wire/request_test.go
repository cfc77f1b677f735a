package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "wstunnel-go/internal/core/errors"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"tcp", Request{Kind: KindTCP, Host: "example.com", Port: 443, ProxyProtocol: true}},
		{"udp with timeout", Request{Kind: KindUDP, Host: "1.1.1.1", Port: 53, Timeout: 30 * time.Second}},
		{"ipv6 destination", Request{Kind: KindTCP, Host: "::1", Port: 22}},
		{"reverse", Request{Kind: KindReverse, Routes: []string{"tcp://5555:localhost:22", "socks5://1080"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Encode(tt.req)
			require.NoError(t, err)

			got, err := Decode(token)
			require.NoError(t, err)
			assert.NotEmpty(t, got.ID)
			tt.req.ID = got.ID
			assert.Equal(t, tt.req, got)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		ID: NewID(), Protocol: KindTCP, Host: "h", Port: 1,
	}).SignedString([]byte("another key"))
	require.NoError(t, err)

	noDest, err := Encode(Request{Kind: KindTCP, Port: 80})
	require.NoError(t, err)
	noRoutes, err := Encode(Request{Kind: KindReverse})
	require.NoError(t, err)
	unknown, err := Encode(Request{Kind: "sctp", Host: "h", Port: 1})
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":          "not-a-token",
		"wrong key":        forged,
		"no destination":   noDest,
		"no routes":        noRoutes,
		"unknown protocol": unknown,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token)
			require.Error(t, err)
			assert.True(t, coreerrors.IsProtocol(err))
		})
	}
}

func TestOpenFraming(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: KindTCP, Host: "127.0.0.1", Port: 22}
	require.NoError(t, WriteOpen(&buf, req))
	require.NoError(t, WriteStatus(&buf, StatusOK))
	require.NoError(t, WriteStatus(&buf, StatusFailed))

	got, err := ReadOpen(&buf)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:22", got.Destination())
	assert.NoError(t, ReadStatus(&buf))
	assert.True(t, coreerrors.IsCode(ReadStatus(&buf), coreerrors.CodeTransportError))
	assert.Error(t, ReadStatus(&buf))
}

func TestUpgradePath(t *testing.T) {
	assert.Equal(t, "/v1/abc", UpgradePath("v1", "abc"))
}
