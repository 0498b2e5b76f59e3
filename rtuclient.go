// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package vfd

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize = 5
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

// RTUClientHandler implements Packager and Transporter interface.
type RTUClientHandler struct {
	rtuPackager
	rtuSerialTransporter
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler.
func NewRTUClientHandler(address string) *RTUClientHandler {
	handler := &RTUClientHandler{}
	handler.Address = address
	handler.Timeout = serialTimeout
	handler.IdleTimeout = serialIdleTimeout
	return handler
}

// rtuPackager implements Packager interface.
type rtuPackager struct {
	SlaveID byte
}

// SetSlave sets modbus slave id for the next exchanges
func (mb *rtuPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode completes cmd into an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func (mb *rtuPackager) Encode(cmd *Command) (adu []byte, err error) {
	if cmd.TxLength < 2 || cmd.TxLength > commandSize {
		err = fmt.Errorf("modbus: request length '%v' must be between '%v' and '%v'", cmd.TxLength, 2, commandSize)
		return
	}
	cmd.Msg[offsetSlaveID] = mb.SlaveID

	length := cmd.TxLength + 2
	adu = make([]byte, length)
	copy(adu, cmd.Msg[:cmd.TxLength])

	// Append crc
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := crc.value()

	adu[length-1] = byte(checksum >> 8)
	adu[length-2] = byte(checksum)
	return
}

// Verify checks slave id, CRC, exception and that the response carries at
// least rxLength bytes before the CRC.
func (mb *rtuPackager) Verify(aduRequest []byte, aduResponse []byte, rxLength int) (err error) {
	length := len(aduResponse)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Slave address must match
	if aduResponse[0] != aduRequest[0] {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", aduResponse[0], aduRequest[0])
		return
	}
	var crc crc
	crc.reset().pushBytes(aduResponse[0 : length-2])
	checksum := uint16(aduResponse[length-1])<<8 | uint16(aduResponse[length-2])
	if checksum != crc.value() {
		err = fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, crc.value())
		return
	}
	if aduResponse[1] == aduRequest[1]|exceptionBit {
		err = &Error{FunctionCode: aduResponse[1], ExceptionCode: aduResponse[2]}
		return
	}
	if aduResponse[1] != aduRequest[1] {
		err = fmt.Errorf("modbus: response function '%v' does not match request '%v'", aduResponse[1], aduRequest[1])
		return
	}
	if length-2 < rxLength {
		err = fmt.Errorf("modbus: response length '%v' is less than expected '%v'", length-2, rxLength)
		return
	}
	return
}

// Decode strips the CRC. The slave address stays in place so that
// response offsets match command offsets.
func (mb *rtuPackager) Decode(adu []byte) (response []byte, err error) {
	length := len(adu)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	response = adu[:length-2]
	return
}

// rtuSerialTransporter implements Transporter interface.
type rtuSerialTransporter struct {
	serialPort
}

// InvalidLengthError is returned by readIncrementally when the modbus response would overflow buffer
// implemented to simplify testing
type InvalidLengthError struct {
	length byte // length received which triggered the error
}

// Error implements the error interface
func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.length)
}

// readIncrementally reads one response frame byte by byte, skipping noise
// until the slave id and function code show up.
func readIncrementally(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	data := make([]byte, rtuMaxSize)

	state := stateSlaveID
	var length, toRead byte
	var n, crcCount int

	buf := make([]byte, 1)
	for {
		if time.Now().After(deadline) { // Possible that serialport may spew data
			return nil, fmt.Errorf("failed to read from serial port within deadline")
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			if buf[0] == functionCode {
				switch functionCode {
				case FuncCodeReadHoldingRegisters,
					FuncCodeReadInputRegisters:

					state = stateReadLength
				case FuncCodeWriteSingleRegister,
					FuncCodeWriteMultipleRegisters:

					state = stateReadPayload
					toRead = 4
				default:
					return nil, fmt.Errorf("functioncode not handled: %d", functionCode)
				}
				data[n] = buf[0]
				n++
			} else if buf[0] == functionCode|exceptionBit {
				state = stateReadPayload
				data[n] = buf[0]
				n++
				// only exception code left to read
				toRead = 1
			}
		case stateReadLength:
			length = buf[0]
			// max length = rtuMaxSize - SlaveID(1) - FunctionCode(1) - length(1) - CRC(2)
			if length > rtuMaxSize-5 || length == 0 {
				return nil, &InvalidLengthError{length: length}
			}

			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// Send writes one frame and reads the answer.
func (mb *rtuSerialTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	if len(aduRequest) < rtuMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
		return
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Make sure port is connected
	if err = mb.connect(); err != nil {
		return
	}
	mb.touch()

	mb.logf("modbus: send % x\n", aduRequest)
	if _, err = mb.port.Write(aduRequest); err != nil {
		return
	}
	bytesToRead := calculateResponseLength(aduRequest)
	time.Sleep(mb.calculateDelay(len(aduRequest) + bytesToRead))

	aduResponse, err = readIncrementally(aduRequest[0], aduRequest[1], mb.port, time.Now().Add(mb.Config.Timeout))
	if err != nil {
		return
	}
	mb.logf("modbus: recv % x\n", aduResponse)
	return
}

// calculateDelay roughly calculates time needed for the next frame.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (mb *rtuSerialTransporter) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // us

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// calculateResponseLength returns the size of a normal response to adu,
// CRC included.
func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case FuncCodeReadInputRegisters,
		FuncCodeReadHoldingRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleRegisters:
		length += 4
	default:
	}
	return length
}
