package ccan

import (
	"errors"
	"fmt"

	"github.com/avast/retry-go"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// window identifies one of the two interface register sets. IF1 carries
// every transfer that writes message RAM, IF2 every transfer that reads
// it, so a dispatcher fetching a frame never lands in the middle of an
// application configuring another object.
type window int

const (
	winWrite window = 0
	winRead  window = 1
)

func (w window) String() string { return fmt.Sprintf("IF%d", int(w)+1) }

func (w window) reg(off uint32) uint32 { return IFBase(int(w)) + off }

// image is the register content of an interface window.
type image struct {
	cmask uint32
	mask1 uint32
	mask2 uint32
	arb1  uint32
	arb2  uint32
	mcon  uint32
	data  [4]uint32
}

var errStillBusy = errors.New("busy")

// acquire takes ownership of w until the returned release is called.
func (c *Controller) acquire(w window) (release func()) {
	key := w.String()
	c.windows.Lock(key)
	return func() { c.windows.Unlock(key) }
}

// stage copies img into the window registers, command mask last.
func (c *Controller) stage(w window, img *image) {
	c.bus.Write32(w.reg(IF_MASK1), img.mask1)
	c.bus.Write32(w.reg(IF_MASK2), img.mask2)
	c.bus.Write32(w.reg(IF_ARB1), img.arb1)
	c.bus.Write32(w.reg(IF_ARB2), img.arb2)
	c.bus.Write32(w.reg(IF_MCON), img.mcon)
	c.bus.Write32(w.reg(IF_DAT_A1), img.data[0])
	c.bus.Write32(w.reg(IF_DAT_A2), img.data[1])
	c.bus.Write32(w.reg(IF_DAT_B1), img.data[2])
	c.bus.Write32(w.reg(IF_DAT_B2), img.data[3])
	c.bus.Write32(w.reg(IF_CMASK), img.cmask)
}

// load copies the window registers out after a read transfer.
func (c *Controller) load(w window) image {
	return image{
		cmask: c.bus.Read32(w.reg(IF_CMASK)),
		mask1: c.bus.Read32(w.reg(IF_MASK1)),
		mask2: c.bus.Read32(w.reg(IF_MASK2)),
		arb1:  c.bus.Read32(w.reg(IF_ARB1)),
		arb2:  c.bus.Read32(w.reg(IF_ARB2)),
		mcon:  c.bus.Read32(w.reg(IF_MCON)),
		data: [4]uint32{
			c.bus.Read32(w.reg(IF_DAT_A1)),
			c.bus.Read32(w.reg(IF_DAT_A2)),
			c.bus.Read32(w.reg(IF_DAT_B1)),
			c.bus.Read32(w.reg(IF_DAT_B2)),
		},
	}
}

// command starts a transfer between w and message object slot and
// waits for the window to go idle.
func (c *Controller) command(w window, slot int, cmask uint32) error {
	if err := c.waitIdle(w); err != nil {
		return err
	}
	c.bus.Write32(w.reg(IF_CMASK), cmask)
	c.bus.Write32(w.reg(IF_CREQ), uint32(slot+1)&CREQ_MSGNUM_MASK)
	return c.waitIdle(w)
}

// waitIdle polls the window busy flag a bounded number of times.
func (c *Controller) waitIdle(w window) error {
	err := c.poll(func() bool { return c.bus.Read32(w.reg(IF_CREQ))&CREQ_BUSY == 0 })
	if err != nil {
		metrics.IncBusyTimeout()
		c.log.Error("if_busy_timeout", "window", w.String(), "attempts", c.pollAttempts)
		return fmt.Errorf("%s: %w", w, err)
	}
	return nil
}

// poll retries ready until it reports true or the attempt budget runs out.
func (c *Controller) poll(ready func() bool) error {
	if ready() {
		return nil
	}
	err := retry.Do(func() error {
		if err := c.ctx.Err(); err != nil {
			return retry.Unrecoverable(err)
		}
		if ready() {
			return nil
		}
		return errStillBusy
	},
		retry.Attempts(c.pollAttempts),
		retry.Delay(c.pollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, errStillBusy) {
		return ErrBusyTimeout
	}
	return err
}
