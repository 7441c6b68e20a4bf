package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: CircuitOpened, Data: 5})

	ev := <-a
	assert.Equal(t, CircuitOpened, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, CircuitOpened, (<-c).Type)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)

	// Publishing after an unsubscribe must not panic.
	b.Publish(Event{Type: CircuitClosed})
	assert.Equal(t, CircuitClosed, (<-c).Type)
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	require.Len(t, ch, 1)
	assert.Equal(t, "first", (<-ch).Type)
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}
