package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedSub struct {
	name string
	seen *[]string
	err  error
}

func (s *namedSub) HandleEvent(context.Context, Event) error {
	*s.seen = append(*s.seen, s.name)
	return s.err
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var seen []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := bus.Register(&namedSub{name: name, seen: &seen})
		require.NoError(t, err)
	}

	err := bus.Publish(context.Background(), &StateWritten{Base: NewBase("s1", "c", "cell", 0), Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	var seen []string
	_, err := bus.Register(&namedSub{name: "ok", seen: &seen})
	require.NoError(t, err)
	_, err = bus.Register(&namedSub{name: "boom", seen: &seen, err: errors.New("store down")})
	require.NoError(t, err)
	_, err = bus.Register(&namedSub{name: "after", seen: &seen})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), &StateWritten{Base: NewBase("s1", "c", "cell", 0)})
	require.EqualError(t, err, "store down")
	assert.Equal(t, []string{"ok", "boom"}, seen, "subscribers after the failing one must not run")
}

func TestCloseUnregisters(t *testing.T) {
	bus := NewBus()
	var seen []string
	sub, err := bus.Register(&namedSub{name: "a", seen: &seen})
	require.NoError(t, err)
	_, err = bus.Register(&namedSub{name: "b", seen: &seen})
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "Close is idempotent")

	err = bus.Publish(context.Background(), &StateWritten{Base: NewBase("s1", "c", "cell", 0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, seen)
}

func TestRegisterRejectsNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	assert.Error(t, err)
}

func TestPublishRejectsNilEvent(t *testing.T) {
	bus := NewBus()
	assert.Error(t, bus.Publish(context.Background(), nil))
}

func TestBaseAccessors(t *testing.T) {
	b := NewBase("sess-1", "casc", "draft", 2)
	assert.Equal(t, "sess-1", b.SessionID())
	assert.False(t, b.Time().IsZero())
	assert.Equal(t, 2, b.Depth)
}
