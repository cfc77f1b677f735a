//go:build !linux

package adapter

import (
	"context"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/tunnel"
)

// TProxySupported 当前平台是否支持透明代理
const TProxySupported = false

func listenTProxyTCP(context.Context, tunnel.Spec) (Listener, error) {
	return nil, coreerrors.New(coreerrors.CodeConfigError, "transparent proxy is only supported on linux")
}

func listenTProxyUDP(context.Context, tunnel.Spec) (Listener, error) {
	return nil, coreerrors.New(coreerrors.CodeConfigError, "transparent proxy is only supported on linux")
}
