package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/serial"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

// openSerialPort is replaced in tests.
var openSerialPort = serial.Open

func initSerialBackend(ctx context.Context, cfg *appConfig, deliver func(can.Message), l *slog.Logger, wg *sync.WaitGroup) (transport.Sink, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	codec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		var bo backoff
		for ctx.Err() == nil {
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, deliver)
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				bo.reset()
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", bo.sleep())
		}
	}()
	return w, func() { _ = sp.Close(); w.Close() }, nil
}
