package main

import "time"

const (
	txQueueSize       = 1024 // async TX queue per backend
	serialReadBufSize = 4096
	// the serial accumulator is reallocated once drained if it grew past
	// this, so a burst of line noise does not pin a large array
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)
