package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) (Activation, bool) {
	t.Helper()

	select {
	case activation, ok := <-sub.C():
		return activation, ok
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscription")

		return Activation{}, false
	}
}

func TestPublisher_DeliversInOrderThenCloses(t *testing.T) {
	t.Parallel()

	pub := newPublisher()
	sub := pub.subscribe(subscribeOptions{})

	for i := uint64(1); i <= 3; i++ {
		pub.publish(Activation{Sequence: i})
	}

	pub.close()
	pub.close()

	for i := uint64(1); i <= 3; i++ {
		activation, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, i, activation.Sequence)
	}

	_, ok := receive(t, sub)
	assert.False(t, ok)
}

func TestPublisher_ReplayUsesLastPublished(t *testing.T) {
	t.Parallel()

	pub := newPublisher()

	empty := pub.subscribe(subscribeOptions{replayCurrent: true})

	pub.publish(Activation{Sequence: 1})
	pub.publish(Activation{Sequence: 2})

	replay := pub.subscribe(subscribeOptions{replayCurrent: true})

	pub.publish(Activation{Sequence: 3})

	first, _ := receive(t, empty)
	assert.Equal(t, uint64(1), first.Sequence)

	for _, want := range []uint64{2, 3} {
		activation, ok := receive(t, replay)
		require.True(t, ok)
		assert.Equal(t, want, activation.Sequence)
	}
}

func TestPublisher_SubscribeAfterClose(t *testing.T) {
	t.Parallel()

	pub := newPublisher()
	pub.publish(Activation{Sequence: 1})
	pub.close()

	sub := pub.subscribe(subscribeOptions{replayCurrent: true})

	_, ok := receive(t, sub)
	assert.False(t, ok)
}

func TestPublisher_UnsubscribeDetaches(t *testing.T) {
	t.Parallel()

	pub := newPublisher()
	sub := pub.subscribe(subscribeOptions{})

	sub.Unsubscribe()

	_, ok := receive(t, sub)
	assert.False(t, ok)

	pub.mu.Lock()
	assert.Empty(t, pub.subs)
	pub.mu.Unlock()

	// Publishing after detach must not reach the subscription.
	pub.publish(Activation{Sequence: 1})
	pub.close()
}

func TestPublisher_AbandonedSubscriptionClosesAfterGrace(t *testing.T) {
	t.Parallel()

	pub := newPublisher()
	pub.drainGrace = 10 * time.Millisecond

	sub := pub.subscribe(subscribeOptions{})

	pub.publish(Activation{Sequence: 1})
	pub.publish(Activation{Sequence: 2})
	pub.close()

	// Nobody receives until the grace period is long over.
	time.Sleep(100 * time.Millisecond)

	_, ok := receive(t, sub)
	assert.False(t, ok, "queued events are dropped once the grace period is over")
}

func TestPublisher_DrainsWithinGrace(t *testing.T) {
	t.Parallel()

	pub := newPublisher()
	pub.drainGrace = time.Minute

	sub := pub.subscribe(subscribeOptions{})

	pub.publish(Activation{Sequence: 1})
	pub.close()

	activation, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, uint64(1), activation.Sequence)

	_, ok = receive(t, sub)
	assert.False(t, ok)
}
