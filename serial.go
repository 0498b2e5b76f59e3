// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package vfd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	serialTimeout = 5 * time.Second
	// A drive is polled while the spindle ramps, so the port is released
	// only after a minute without exchanges.
	serialIdleTimeout = 60 * time.Second
)

// serialPort owns the line to the drive. It is opened on first use and
// closed again after IdleTimeout without exchanges.
type serialPort struct {
	serial.Config

	Logger      logger
	IdleTimeout time.Duration

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

// Connect opens the port.
func (mb *serialPort) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect opens the port unless it is open. Caller must hold the mutex.
func (mb *serialPort) connect() error {
	if mb.port != nil {
		return nil
	}
	port, err := serial.Open(&mb.Config)
	if err != nil {
		return fmt.Errorf("vfd: open %s: %w", mb.Config.Address, err)
	}
	mb.logf("vfd: opened %s at %d baud, %d%s%d", mb.Config.Address, mb.BaudRate, mb.DataBits, mb.Parity, mb.StopBits)
	mb.port = port
	return nil
}

// Close closes the port.
func (mb *serialPort) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close releases the port. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.closeTimer != nil {
		mb.closeTimer.Stop()
	}
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

func (mb *serialPort) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// touch records an exchange and rearms the idle timer. Caller must hold
// the mutex.
func (mb *serialPort) touch() {
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
}

func (mb *serialPort) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
		return
	}
	mb.closeTimer.Reset(mb.IdleTimeout)
}

// closeIdle runs from the idle timer. The next exchange reopens the port.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 || mb.port == nil {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("vfd: no exchange with the drive on %s for %v, closing port", mb.Config.Address, idle)
		mb.close()
	}
}
