package notify_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmhub/shmhub/notify"
)

func TestLocalBusFansOutToAllSubscribers(t *testing.T) {
	bus := notify.NewLocalBus()

	var a, b atomic.Int32
	bus.Subscribe("ticks", func() { a.Add(1) })
	bus.Subscribe("ticks", func() { b.Add(1) })
	bus.Subscribe("other", func() { t.Fatal("must not fire for a different channel") })

	bus.NotifyOne("ticks")
	bus.NotifyOne("ticks")

	require.Equal(t, int32(2), a.Load())
	require.Equal(t, int32(2), b.Load())
}

func TestLocalBusNotifyWithNoSubscribersIsANoop(t *testing.T) {
	bus := notify.NewLocalBus()
	bus.NotifyOne("nobody-listening")
}
