package ccan

import (
	"errors"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

// Caller errors are returned before any register is touched.
var (
	ErrInvalidSlot   = errors.New("ccan: message object index out of range")
	ErrInvalidID     = can.ErrID
	ErrInvalidIDType = can.ErrIDType
	ErrInvalidDLC    = can.ErrDLC
	ErrRange         = errors.New("ccan: message object range exceeds table")
	ErrInvalidRate   = errors.New("ccan: bit rate must be positive")
	ErrNoTiming      = errors.New("ccan: no bit timing fits clock and rate")
)

// Runtime conditions.
var (
	// ErrNotAvailable is the expected result of Receive when the object
	// holds no unread frame.
	ErrNotAvailable = errors.New("ccan: no new data")
	ErrBusyTimeout  = errors.New("ccan: interface window busy timeout")
	ErrNotOpen      = errors.New("ccan: controller not open")
	ErrWrongMode    = errors.New("ccan: operation not valid in current mode")
	ErrTxBusy       = errors.New("ccan: transmit busy")
)
