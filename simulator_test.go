package vfd

import (
	"errors"
	"sync"
)

var errNoAnswer = errors.New("drive did not answer")

// ev50Drive simulates the registers of an EV50 drive behind raw RTU frames.
type ev50Drive struct {
	mu sync.Mutex

	slaveID      byte
	maxFrequency uint16
	minFrequency uint16
	control      uint16
	setValue     uint16
	output       uint16
	// lag is the number of output queries answered before the output
	// reaches the commanded frequency. Negative never reaches it.
	lag     int
	pending int

	// exception, when set, is returned for every request.
	exception byte
	// silent drops every request.
	silent bool
	// deaf, when set, drops reads of that register.
	deaf uint16

	requests [][]byte
}

func newEV50Drive() *ev50Drive {
	return &ev50Drive{slaveID: 1, maxFrequency: 4000, minFrequency: 0, control: ev50ControlStop}
}

// target is the output frequency the drive runs towards.
func (d *ev50Drive) target() uint16 {
	if d.control == ev50ControlStop || d.setValue == 0 {
		return 0
	}
	return uint16(uint32(d.maxFrequency) * ev50SpeedScale / uint32(d.setValue))
}

func (d *ev50Drive) frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.requests...)
}

// handle answers one RTU frame. It returns nil when the drive stays silent.
func (d *ev50Drive) handle(request []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, append([]byte(nil), request...))
	if d.silent || len(request) != 8 || request[0] != d.slaveID {
		return nil
	}
	var crc crc
	crc.reset().pushBytes(request[:6])
	if uint16(request[7])<<8|uint16(request[6]) != crc.value() {
		return nil
	}
	if d.exception != 0 {
		return withCRC([]byte{request[0], request[1] | exceptionBit, d.exception})
	}

	register := uint16(request[2])<<8 | uint16(request[3])
	value := uint16(request[4])<<8 | uint16(request[5])
	if d.deaf != 0 && register == d.deaf && request[1] == FuncCodeReadHoldingRegisters {
		return nil
	}
	switch request[1] {
	case FuncCodeWriteSingleRegister:
		switch register {
		case ev50RegControl:
			d.control = value
		case ev50RegSetFrequency:
			d.setValue = value
		default:
			return withCRC([]byte{request[0], request[1] | exceptionBit, ExceptionCodeIllegalDataAddress})
		}
		d.pending = d.lag
		return withCRC(request[:6])
	case FuncCodeReadHoldingRegisters:
		var v uint16
		switch register {
		case ev50RegMaxFrequency:
			v = d.maxFrequency
		case ev50RegMinFrequency:
			v = d.minFrequency
		case ev50RegOutputFrequency:
			if d.pending == 0 {
				d.output = d.target()
			} else if d.pending > 0 {
				d.pending--
			}
			v = d.output
		default:
			return withCRC([]byte{request[0], request[1] | exceptionBit, ExceptionCodeIllegalDataAddress})
		}
		return withCRC([]byte{request[0], request[1], 0x04, byte(v >> 8), byte(v), 0x00, 0x00})
	}
	return withCRC([]byte{request[0], request[1] | exceptionBit, ExceptionCodeIllegalFunction})
}

func withCRC(frame []byte) []byte {
	var crc crc
	crc.reset().pushBytes(frame)
	checksum := crc.value()
	return append(append([]byte(nil), frame...), byte(checksum), byte(checksum>>8))
}

// driveHandler connects a Spindle directly to an ev50Drive.
type driveHandler struct {
	rtuPackager
	drive *ev50Drive

	mu       sync.Mutex
	inFlight int
	overlap  bool
	err      error
}

func newDriveHandler(drive *ev50Drive) *driveHandler {
	return &driveHandler{rtuPackager: rtuPackager{SlaveID: drive.slaveID}, drive: drive}
}

func (h *driveHandler) Send(aduRequest []byte) ([]byte, error) {
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > 1 {
		h.overlap = true
	}
	err := h.err
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
	}()

	if err != nil {
		return nil, err
	}
	response := h.drive.handle(aduRequest)
	if response == nil {
		return nil, errNoAnswer
	}
	return response, nil
}

func (h *driveHandler) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *driveHandler) Connect() error { return nil }

func (h *driveHandler) Close() error { return nil }
