package client

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/yamux"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/core/safe"
	"wstunnel-go/internal/pool"
	"wstunnel-go/internal/protocol/wire"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
)

// runReverse 维持反向控制连接，断开后按退避无限重连
func (c *Client) runReverse(ctx context.Context) error {
	routes := make([]string, len(c.cfg.RemoteToLocal))
	for i, spec := range c.cfg.RemoteToLocal {
		routes[i] = spec.String()
	}
	backoff := pool.NewBackoff(pool.DefaultBaseDelay, c.cfg.ReverseMaxBackoff)

	for {
		err := c.serveReverse(ctx, routes, backoff)
		if ctx.Err() != nil {
			return nil
		}
		if coreerrors.IsRestrictionDenied(err) {
			corelog.Errorf("client: reverse tunnel rejected by server: %v", err)
		} else {
			corelog.Warnf("client: reverse tunnel disconnected: %v", err)
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// serveReverse 一次控制连接的生命周期；连接成功后重置退避
func (c *Client) serveReverse(ctx context.Context, routes []string, backoff *pool.Backoff) error {
	conn, err := c.transport.Open(ctx, wire.Request{Kind: wire.KindReverse, Routes: routes})
	if err != nil {
		return err
	}
	session, err := yamux.Client(conn, transport.MuxConfig(c.cfg.PingFrequency))
	if err != nil {
		conn.Close()
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "start reverse session")
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	backoff.Reset()
	corelog.Infof("client: reverse tunnel connected, routes=[%s]", strings.Join(routes, ", "))

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeTransportError, "reverse control connection lost")
		}
		safe.Go("reverse stream", func() {
			c.handleReverseStream(ctx, stream)
		})
	}
}

// handleReverseStream 读取打开请求，在本地拨号并回复结果
func (c *Client) handleReverseStream(ctx context.Context, stream *yamux.Stream) {
	stream.SetDeadline(time.Now().Add(transport.DefaultHandshakeTimeout))
	req, err := wire.ReadOpen(stream)
	if err != nil {
		corelog.Warnf("client: invalid reverse open request: %v", err)
		stream.Close()
		return
	}

	kind, network := tunnel.KindTCP, "tcp"
	if req.Kind == wire.KindUDP {
		kind, network = tunnel.KindUDP, "udp"
	}

	dialCtx, cancel := context.WithTimeout(ctx, transport.DefaultDialTimeout)
	local, err := c.resolver.DialContext(dialCtx, network, req.Destination())
	cancel()
	if err != nil {
		corelog.Warnf("client: reverse tunnel cannot reach %s: %v", req.Destination(), err)
		wire.WriteStatus(stream, wire.StatusFailed)
		stream.Close()
		return
	}
	if err := wire.WriteStatus(stream, wire.StatusOK); err != nil {
		local.Close()
		stream.Close()
		return
	}
	stream.SetDeadline(time.Time{})

	session := tunnel.Session{
		Kind:        kind,
		Destination: req.Destination(),
		Peer:        "reverse " + req.ID,
	}
	if kind == tunnel.KindUDP {
		session.IdleTimeout = req.Timeout
	}
	c.tracker.Splice(session, local, stream)
}
