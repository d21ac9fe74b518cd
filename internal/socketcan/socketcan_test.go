package socketcan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

func TestFrameLayout(t *testing.T) {
	m := can.NewMessage(0x12345, 0xDE, 0xAD)
	b := marshal(m)
	assert.Equal(t, []byte{0x45, 0x23, 0x01, 0x80}, b[0:4])
	assert.Equal(t, byte(2), b[4])
	assert.Equal(t, []byte{0xDE, 0xAD}, b[8:10])

	got, err := unmarshal(b[:])
	require.NoError(t, err)
	assert.True(t, got.Equal(m), "got %v", got)
}

func TestUnmarshalRemoteAndErrors(t *testing.T) {
	rtr := can.Message{FrameType: can.RemoteFrame, ID: 0x55, DLC: 4}
	b := marshal(rtr)
	got, err := unmarshal(b[:])
	require.NoError(t, err)
	assert.Equal(t, can.RemoteFrame, got.FrameType)
	assert.Equal(t, uint8(4), got.DLC)

	_, err = unmarshal(b[:8])
	assert.Error(t, err)

	b[3] |= 0x20 // CAN_ERR_FLAG
	_, err = unmarshal(b[:])
	assert.Error(t, err)
}

type fakeDev struct {
	mu  sync.Mutex
	out []can.Message
}

func (d *fakeDev) ReadMessage() (can.Message, error) { select {} }
func (d *fakeDev) WriteMessage(m can.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, m)
	return nil
}
func (d *fakeDev) Close() error { return nil }
func (d *fakeDev) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.out)
}

func TestTXWriter(t *testing.T) {
	dev := &fakeDev{}
	w := NewTXWriter(context.Background(), dev, 8)
	defer w.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Send(can.NewMessage(uint32(i))))
	}
	require.Eventually(t, func() bool { return dev.count() == 3 }, time.Second, 5*time.Millisecond)
}
