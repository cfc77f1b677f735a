package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SpliceCountsBytes(t *testing.T) {
	tr := NewTracker("test")
	localApp, localSide := net.Pipe()
	remoteSide, remoteApp := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Splice(Session{Kind: KindTCP, Destination: "example.com:80", Peer: "127.0.0.1:1"}, localSide, remoteSide)
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(remoteApp, buf)
		remoteApp.Write([]byte("world!"))
	}()

	_, err := localApp.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(localApp, buf)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(buf))

	require.Eventually(t, func() bool {
		stats := tr.List()
		return len(stats) == 1 && stats[0].BytesSent == 5 && stats[0].BytesReceived == 6
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "example.com:80", tr.List()[0].Destination)

	localApp.Close()
	remoteApp.Close()
	<-done
	assert.Equal(t, 0, tr.Len())
}

// timeout 为 0 时会话不会因空闲而关闭
func TestTracker_ZeroTimeoutNeverReaps(t *testing.T) {
	tr := NewTracker("test")
	_, localSide := net.Pipe()
	remoteSide, _ := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Splice(Session{Kind: KindUDP, IdleTimeout: 0}, localSide, remoteSide)
	}()

	select {
	case <-done:
		t.Fatal("session closed while idle with timeout disabled")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 1, tr.Len())

	tr.Shutdown(50 * time.Millisecond)
	<-done
}

func TestTracker_IdleTimeoutReaps(t *testing.T) {
	tr := NewTracker("test")
	_, localSide := net.Pipe()
	remoteSide, _ := net.Pipe()

	start := time.Now()
	res := tr.Splice(Session{Kind: KindSocks5, IdleTimeout: 100 * time.Millisecond}, localSide, remoteSide)
	assert.True(t, res.IdleTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTracker_ShutdownGrace(t *testing.T) {
	tr := NewTracker("test")
	_, localSide := net.Pipe()
	remoteSide, _ := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Splice(Session{Kind: KindTCP}, localSide, remoteSide)
	}()
	require.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 10*time.Millisecond)

	start := time.Now()
	tr.Shutdown(100 * time.Millisecond)
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// 关闭后新的隧道被直接拒绝
	a, b := net.Pipe()
	res := tr.Splice(Session{Kind: KindTCP}, a, b)
	assert.Error(t, res.Err())
}
