package node

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"golang.org/x/exp/slices"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
)

// RxEntry arms one receive filter. Count > 1 builds a FIFO of Count
// consecutive objects starting at Slot. Mask 0 means exact match; FIFOs
// are always exact.
type RxEntry struct {
	Slot     int    `toml:"slot"`
	Extended bool   `toml:"extended"`
	ID       uint32 `toml:"id"`
	Mask     uint32 `toml:"mask"`
	Count    int    `toml:"count"`
}

func (e RxEntry) idType() can.IDType {
	if e.Extended {
		return can.ExtendedID
	}
	return can.StandardID
}

func (e RxEntry) slots() []int {
	n := e.Count
	if n < 1 {
		n = 1
	}
	out := make([]int, n)
	for i := range out {
		out[i] = e.Slot + i
	}
	return out
}

// Plan is the message-object layout the node arms at start.
type Plan struct {
	Bitrate uint32    `toml:"bitrate"`
	Mode    string    `toml:"mode"`
	Wakeup  bool      `toml:"wakeup"`
	Rx      []RxEntry `toml:"rx"`
	TxSlots []int     `toml:"tx_slots"`
}

var ErrPlan = errors.New("invalid object plan")

// DefaultPlan mirrors the vendor sample: standard 0x7FF on object 0,
// extended 0x12345 on 5 and extended 0x7FF01 on 31.
func DefaultPlan() Plan {
	return Plan{
		Bitrate: 500000,
		Mode:    "normal",
		Wakeup:  true,
		Rx: []RxEntry{
			{Slot: 0, ID: 0x7FF},
			{Slot: 5, Extended: true, ID: 0x12345},
			{Slot: 31, Extended: true, ID: 0x7FF01},
		},
		TxSlots: []int{8, 9, 10, 11},
	}
}

// LoadPlan reads a TOML plan. Keys missing from the file take their
// DefaultPlan values; rx and tx_slots replace the defaults as a whole.
func LoadPlan(path string) (Plan, error) {
	var p Plan
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Plan{}, fmt.Errorf("%w: unknown key %s", ErrPlan, undec[0])
	}
	def := DefaultPlan()
	if !md.IsDefined("bitrate") {
		p.Bitrate = def.Bitrate
	}
	if !md.IsDefined("mode") {
		p.Mode = def.Mode
	}
	if !md.IsDefined("wakeup") {
		p.Wakeup = def.Wakeup
	}
	if !md.IsDefined("rx") {
		p.Rx = def.Rx
	}
	if !md.IsDefined("tx_slots") {
		p.TxSlots = def.TxSlots
	}
	return p, p.Validate()
}

// Validate checks ranges and that no object is claimed twice.
func (p Plan) Validate() error {
	if p.Bitrate == 0 {
		return fmt.Errorf("%w: bitrate must be positive", ErrPlan)
	}
	if _, err := ccan.ParseMode(p.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrPlan, err)
	}
	var used []int
	claim := func(slot int, what string) error {
		if slot < 0 || slot >= ccan.NumSlots {
			return fmt.Errorf("%w: %s slot %d out of range", ErrPlan, what, slot)
		}
		if slices.Contains(used, slot) {
			return fmt.Errorf("%w: slot %d used twice", ErrPlan, slot)
		}
		used = append(used, slot)
		return nil
	}
	for _, e := range p.Rx {
		if e.Count > 1 && e.Mask != 0 {
			return fmt.Errorf("%w: rx slot %d: fifo entries cannot carry a mask", ErrPlan, e.Slot)
		}
		if err := can.ValidateID(e.idType(), e.ID); err != nil {
			return fmt.Errorf("%w: rx slot %d: %v", ErrPlan, e.Slot, err)
		}
		for _, s := range e.slots() {
			if err := claim(s, "rx"); err != nil {
				return err
			}
		}
	}
	for _, s := range p.TxSlots {
		if err := claim(s, "tx"); err != nil {
			return err
		}
	}
	return nil
}

// rxSlots lists every receive object in ascending order.
func (p Plan) rxSlots() []int {
	var out []int
	for _, e := range p.Rx {
		out = append(out, e.slots()...)
	}
	slices.Sort(out)
	return out
}
