// Package watch 文件热加载：后台监视文件变化，原子地替换不可变快照
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"wstunnel-go/internal/core/dispose"
	corelog "wstunnel-go/internal/core/log"
)

const (
	// debounceDelay 合并编辑器/证书工具连续写入产生的多次事件
	debounceDelay = 200 * time.Millisecond

	// PollInterval fsnotify 不可用时的轮询间隔
	PollInterval = 5 * time.Second
)

// Loader 从文件构造一个新快照
type Loader[T any] func() (*T, error)

// Reloadable 持有当前快照，读取不加锁，重新加载失败时保留旧快照
type Reloadable[T any] struct {
	name    string
	files   []string
	load    Loader[T]
	current atomic.Pointer[T]

	mu       sync.Mutex
	onChange []func(*T)

	dispose *dispose.Dispose
}

// New 立即加载一次（失败直接返回错误），之后监视 files 的变化
// files 为空时不启动监视
func New[T any](ctx context.Context, name string, load Loader[T], files ...string) (*Reloadable[T], error) {
	snapshot, err := load()
	if err != nil {
		return nil, err
	}

	r := &Reloadable[T]{
		name:    name,
		load:    load,
		dispose: dispose.New(ctx, "watch "+name),
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		r.files = append(r.files, filepath.Clean(f))
	}
	r.current.Store(snapshot)

	if len(r.files) > 0 {
		r.start()
	}
	return r, nil
}

// Static 返回不监视文件的固定快照
func Static[T any](v *T) *Reloadable[T] {
	r := &Reloadable[T]{name: "static", dispose: dispose.New(context.Background(), "static")}
	r.current.Store(v)
	return r
}

// Load 当前快照
func (r *Reloadable[T]) Load() *T {
	return r.current.Load()
}

// OnChange 注册快照替换后的回调
func (r *Reloadable[T]) OnChange(fn func(*T)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Reload 立即重新加载，失败时保留旧快照并返回错误
func (r *Reloadable[T]) Reload() error {
	if r.load == nil {
		return nil
	}
	snapshot, err := r.load()
	if err != nil {
		corelog.Errorf("%s: reload failed, keeping previous version: %v", r.name, err)
		return err
	}
	r.current.Store(snapshot)
	corelog.Infof("%s: reloaded", r.name)

	r.mu.Lock()
	callbacks := append([]func(*T){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn(snapshot)
	}
	return nil
}

// Close 停止监视
func (r *Reloadable[T]) Close() error {
	return r.dispose.Close()
}

func (r *Reloadable[T]) watched(path string) bool {
	path = filepath.Clean(path)
	for _, f := range r.files {
		if f == path {
			return true
		}
	}
	return false
}

func (r *Reloadable[T]) start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		corelog.Warnf("%s: fsnotify unavailable, polling every %v: %v", r.name, PollInterval, err)
		go r.poll()
		return
	}

	// 监视父目录，原子替换（rename）后依然能收到事件
	dirs := make(map[string]struct{})
	for _, f := range r.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			corelog.Warnf("%s: cannot watch %s, polling every %v: %v", r.name, dir, PollInterval, err)
			watcher.Close()
			go r.poll()
			return
		}
	}
	r.dispose.AddCloser("fsnotify", watcher)
	go r.watchLoop(watcher)
}

func (r *Reloadable[T]) watchLoop(watcher *fsnotify.Watcher) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-r.dispose.Ctx().Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !r.watched(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			corelog.Debugf("%s: %s %s", r.name, ev.Op, ev.Name)
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			corelog.Warnf("%s: watcher error: %v", r.name, err)
		case <-timerC:
			timerC = nil
			r.Reload()
		}
	}
}

func (r *Reloadable[T]) poll() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	last := r.modTimes()
	for {
		select {
		case <-r.dispose.Ctx().Done():
			return
		case <-ticker.C:
			now := r.modTimes()
			if now != last {
				last = now
				r.Reload()
			}
		}
	}
}

// modTimes 所有文件修改时间的指纹
func (r *Reloadable[T]) modTimes() int64 {
	var sum int64
	for _, f := range r.files {
		if st, err := os.Stat(f); err == nil {
			sum += st.ModTime().UnixNano() + st.Size()
		}
	}
	return sum
}
