package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	require.NoError(t, h.Add(cl))
	defer h.Remove(cl)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.NewMessage(0x123))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, cap(cl.Out), len(cl.Out))
	select {
	case <-cl.Closed:
		t.Fatal("drop policy must not close the client")
	default:
	}
}

func TestBroadcastKickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	fast := NewClient(16)
	require.NoError(t, h.Add(slow))
	require.NoError(t, h.Add(fast))

	for i := 0; i < 5; i++ {
		h.Broadcast(can.NewMessage(uint32(i)))
	}
	select {
	case <-slow.Closed:
	default:
		t.Fatal("slow client not kicked")
	}
	assert.Len(t, fast.Out, 5)
	h.Remove(slow)
	h.Remove(slow)
	assert.Equal(t, 1, h.Count())
}

func TestFilterAndLimit(t *testing.T) {
	h := New()
	h.MaxClients = 1
	ext := NewClient(8)
	ext.Filter = func(m can.Message) bool { return m.Extended() }
	require.NoError(t, h.Add(ext))
	assert.ErrorIs(t, h.Add(NewClient(1)), ErrTooManyClients)

	h.Broadcast(can.NewMessage(0x100))
	h.Broadcast(can.NewMessage(0x12345))
	require.Len(t, ext.Out, 1)
	assert.Equal(t, uint32(0x12345), (<-ext.Out).ID)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("kick")
	require.NoError(t, err)
	assert.Equal(t, "kick", p.String())
	_, err = ParsePolicy("block")
	assert.Error(t, err)
}
