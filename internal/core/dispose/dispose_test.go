package dispose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispose_CloseRunsHandlersInReverse(t *testing.T) {
	d := New(context.Background(), "test")

	var order []string
	d.AddCleanHandler("first", func() error { order = append(order, "first"); return nil })
	d.AddCleanHandler("second", func() error { order = append(order, "second"); return nil })

	require.NoError(t, d.Close())
	assert.Equal(t, []string{"second", "first"}, order)
	assert.True(t, d.IsClosed())
	assert.Error(t, d.Ctx().Err())

	// 重复关闭不会再次执行
	require.NoError(t, d.Close())
	assert.Len(t, order, 2)
}

func TestDispose_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	d := New(parent, "child")

	cleaned := make(chan struct{})
	d.AddCleanHandler("listener", func() error { close(cleaned); return nil })

	cancel()

	select {
	case <-cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup not triggered by parent cancel")
	}
	<-d.Done()
	assert.True(t, d.IsClosed())
}

func TestDispose_CollectsErrors(t *testing.T) {
	d := New(context.Background(), "test")
	boom := errors.New("boom")
	d.AddCleanHandler("ok", func() error { return nil })
	d.AddCleanHandler("bad", func() error { return boom })

	err := d.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var de *DisposeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "bad", de.Name)
}

func TestDispose_LateHandlerRunsImmediately(t *testing.T) {
	d := New(context.Background(), "test")
	require.NoError(t, d.Close())

	called := false
	d.AddCleanHandler("late", func() error { called = true; return nil })
	assert.True(t, called)
}
