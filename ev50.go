package vfd

import (
	"log/slog"
	"math"
)

// EV50 registers. Frequencies are in tenths of Hz.
const (
	ev50RegMaxFrequency    = 0x00D9 // P02.18
	ev50RegMinFrequency    = 0x00DA // P02.19
	ev50RegSetFrequency    = 0x0121
	ev50RegControl         = 0x0122
	ev50RegOutputFrequency = 0x03FC

	ev50ControlForward = 0x0001
	ev50ControlReverse = 0x0004
	ev50ControlStop    = 0x0010

	// ev50SpeedScale is the value written for the maximum frequency.
	ev50SpeedScale = 10000

	ev50DefaultMaxFrequency = 4000
)

// Initialization step indices understood by EV50.
const (
	StepMaxFrequency = -1
	StepMinFrequency = -2
)

// EV50 speaks the register protocol of EV50 drives.
type EV50 struct {
	logger *slog.Logger
}

// NewEV50 returns the EV50 protocol. A nil logger discards messages.
func NewEV50(logger *slog.Logger) Protocol {
	if logger == nil {
		logger = discardLogger()
	}
	return &EV50{logger: logger}
}

// Name implements Protocol.
func (p *EV50) Name() string {
	return "EV50"
}

// DefaultRange implements Protocol.
func (p *EV50) DefaultRange() Range {
	return Range{Min: 0, Max: ev50DefaultMaxFrequency}
}

// UseDelaySettings implements Protocol. EV50 reports its output
// frequency, so the driver polls instead of waiting.
func (p *EV50) UseDelaySettings() bool {
	return false
}

// DirectionCommand writes the control register:
//
//	[addr] [06] [01 22] [00 01] forward run
//	[addr] [06] [01 22] [00 04] reverse run
//	[addr] [06] [01 22] [00 10] stop
func (p *EV50) DirectionCommand(state SpindleState, cmd *Command) {
	var mode uint16
	switch state {
	case Cw:
		mode = ev50ControlForward
	case Ccw:
		mode = ev50ControlReverse
	default:
		mode = ev50ControlStop
	}
	writeRegister(cmd, ev50RegControl, mode)
}

// SpeedCommand writes the frequency register. The drive expects the ratio
// of the maximum frequency to the requested one scaled by 10000, so
// requesting the maximum frequency writes 10000 (0x2710).
//
// A zero speed cannot be expressed as a ratio and is sent as a stop.
// Ratios that do not fit 16 bits saturate at 0xFFFF instead of keeping
// only their low bits, so very low speeds are written as the slowest
// setting rather than an arbitrary one.
func (p *EV50) SpeedCommand(devSpeed uint32, r Range, cmd *Command) {
	if devSpeed == 0 {
		p.DirectionCommand(Disable, cmd)
		return
	}
	if !r.Contains(devSpeed) {
		p.logger.Warn("requested frequency is outside of range",
			"vfd", p.Name(), "frequency", devSpeed, "min", r.Min, "max", r.Max)
	}
	value := uint32(r.Max) / devSpeed * ev50SpeedScale
	if value > math.MaxUint16 {
		p.logger.Debug("speed value saturated", "vfd", p.Name(), "value", value)
		value = math.MaxUint16
	}
	writeRegister(cmd, ev50RegSetFrequency, uint16(value))
}

// InitializationStep reads the frequency limits, max first:
//
//	[addr] [03] [00 d9] [00 02] max frequency
//	[addr] [03] [00 da] [00 02] min frequency
func (p *EV50) InitializationStep(index int, cmd *Command) ResponseParser {
	switch index {
	case StepMaxFrequency:
		readRegisters(cmd, ev50RegMaxFrequency, 5)
		return parserFor(UpdateMaxFrequency)
	case StepMinFrequency:
		readRegisters(cmd, ev50RegMinFrequency, 5)
		return parserFor(UpdateMinFrequency)
	}
	return nil
}

// StatusQuery implements Protocol. EV50 has no status register worth
// polling.
func (p *EV50) StatusQuery(cmd *Command) ResponseParser {
	return nil
}

// CurrentSpeedQuery reads the output frequency:
//
//	[addr] [03] [03 fc] [00 02] output frequency
func (p *EV50) CurrentSpeedQuery(cmd *Command) ResponseParser {
	readRegisters(cmd, ev50RegOutputFrequency, 7)
	return parserFor(UpdateSyncSpeed)
}

// writeRegister fills a write single register request. The drive echoes
// the request.
func writeRegister(cmd *Command, register, value uint16) {
	cmd.TxLength = 6
	cmd.RxLength = 6

	cmd.Msg[offsetFunction] = FuncCodeWriteSingleRegister
	cmd.Msg[2] = byte(register >> 8)
	cmd.Msg[3] = byte(register)
	cmd.Msg[4] = byte(value >> 8)
	cmd.Msg[5] = byte(value)
}

// readRegisters fills a read holding registers request for two registers.
func readRegisters(cmd *Command, register uint16, rxLength int) {
	cmd.TxLength = 6
	cmd.RxLength = rxLength

	cmd.Msg[offsetFunction] = FuncCodeReadHoldingRegisters
	cmd.Msg[2] = byte(register >> 8)
	cmd.Msg[3] = byte(register)
	cmd.Msg[4] = 0x00
	cmd.Msg[5] = 0x02
}
