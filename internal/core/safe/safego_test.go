package safe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_RecoversPanic(t *testing.T) {
	before := Panics()
	done := make(chan struct{})
	Go("test", func() {
		defer close(done)
		panic("boom")
	})
	<-done
	assert.Eventually(t, func() bool { return Panics() == before+1 }, time.Second, 5*time.Millisecond)
}

func TestGo_TracksActive(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	base := Active()
	Go("test", func() {
		close(started)
		<-release
	})
	<-started
	assert.Equal(t, base+1, Active())
	close(release)
	assert.Eventually(t, func() bool { return Active() == base }, time.Second, 5*time.Millisecond)
}
