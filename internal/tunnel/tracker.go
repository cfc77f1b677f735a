package tunnel

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/utils/iocopy"
)

// LogicalTunnel 一个本地连接或数据报会话对应的一条逻辑隧道
type LogicalTunnel struct {
	ID          string
	Kind        Kind
	Destination string
	Peer        string
	CreatedAt   time.Time

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	lastActivity  atomic.Int64
}

// Stats 逻辑隧道的只读快照
type Stats struct {
	ID            string
	Kind          Kind
	Destination   string
	Peer          string
	CreatedAt     time.Time
	LastActivity  time.Time
	BytesSent     int64
	BytesReceived int64
}

func (t *LogicalTunnel) record(dir iocopy.Direction, n int) {
	if dir == iocopy.AToB {
		t.bytesSent.Add(int64(n))
	} else {
		t.bytesReceived.Add(int64(n))
	}
	t.lastActivity.Store(time.Now().UnixNano())
}

// Stats 返回当前计数
func (t *LogicalTunnel) Stats() Stats {
	return Stats{
		ID:            t.ID,
		Kind:          t.Kind,
		Destination:   t.Destination,
		Peer:          t.Peer,
		CreatedAt:     t.CreatedAt,
		LastActivity:  time.Unix(0, t.lastActivity.Load()),
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
	}
}

// Session Splice 的参数
type Session struct {
	Kind        Kind
	Destination string
	Peer        string

	// IdleTimeout 双向都无数据超过该时长则关闭，0 不限
	IdleTimeout time.Duration
}

// Tracker 跟踪一个角色（客户端或服务端）上的全部逻辑隧道
//
// Shutdown 时先等待正在进行的拷贝在宽限期内自然结束，超时后强制关闭。
type Tracker struct {
	name string

	mu      sync.Mutex
	tunnels map[string]*LogicalTunnel
	closed  bool
	wg      sync.WaitGroup

	hardCtx    context.Context
	hardCancel context.CancelFunc
}

// NewTracker 创建跟踪器
func NewTracker(name string) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		name:       name,
		tunnels:    make(map[string]*LogicalTunnel),
		hardCtx:    ctx,
		hardCancel: cancel,
	}
}

func (tr *Tracker) register(s Session) (*LogicalTunnel, bool) {
	now := time.Now()
	t := &LogicalTunnel{
		ID:          uuid.NewString(),
		Kind:        s.Kind,
		Destination: s.Destination,
		Peer:        s.Peer,
		CreatedAt:   now,
	}
	t.lastActivity.Store(now.UnixNano())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil, false
	}
	tr.tunnels[t.ID] = t
	tr.wg.Add(1)
	return t, true
}

func (tr *Tracker) unregister(t *LogicalTunnel) {
	tr.mu.Lock()
	delete(tr.tunnels, t.ID)
	tr.mu.Unlock()
	tr.wg.Done()
}

// Splice 登记一条逻辑隧道并在 local 与 remote 之间双向拷贝，直到任一侧关闭
// 数据报类型的 remote 使用长度前缀分帧
func (tr *Tracker) Splice(s Session, local, remote io.ReadWriteCloser) *iocopy.Result {
	t, ok := tr.register(s)
	if !ok {
		local.Close()
		remote.Close()
		return &iocopy.Result{SendError: context.Canceled}
	}
	defer tr.unregister(t)

	corelog.Debugf("%s: tunnel %s opened %s %s -> %s", tr.name, t.ID, s.Kind, s.Peer, s.Destination)
	opts := &iocopy.Options{
		Context:     tr.hardCtx,
		LogPrefix:   tr.name + " " + t.ID,
		IdleTimeout: s.IdleTimeout,
		OnTransfer:  t.record,
	}

	var result *iocopy.Result
	if s.Kind.IsDatagram() {
		result = iocopy.Datagram(local, remote, opts)
	} else {
		result = iocopy.Bidirectional(local, remote, opts)
	}

	st := t.Stats()
	corelog.Debugf("%s: tunnel %s closed, sent=%d received=%d duration=%v idle_timeout=%v",
		tr.name, t.ID, st.BytesSent, st.BytesReceived, time.Since(st.CreatedAt).Round(time.Millisecond), result.IdleTimedOut)
	return result
}

// Len 当前活跃逻辑隧道数
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tunnels)
}

// List 活跃逻辑隧道快照，按创建时间排序
func (tr *Tracker) List() []Stats {
	tr.mu.Lock()
	out := make([]Stats, 0, len(tr.tunnels))
	for _, t := range tr.tunnels {
		out = append(out, t.Stats())
	}
	tr.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown 拒绝新的隧道，等待现有拷贝最多 grace 时长，之后强制关闭
func (tr *Tracker) Shutdown(grace time.Duration) {
	tr.mu.Lock()
	tr.closed = true
	active := len(tr.tunnels)
	tr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tr.wg.Wait()
		close(done)
	}()

	if active > 0 {
		corelog.Infof("%s: waiting up to %v for %d active tunnels", tr.name, grace, active)
	}
	select {
	case <-done:
	case <-time.After(grace):
		corelog.Warnf("%s: grace period elapsed, closing %d tunnels", tr.name, tr.Len())
		tr.hardCancel()
		<-done
	}
	tr.hardCancel()
}
