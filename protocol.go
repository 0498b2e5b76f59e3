package vfd

import (
	"fmt"
	"strings"
)

// commandSize is the largest RTU frame without its CRC.
const commandSize = rtuMaxSize - 2

// Offsets into a command or response buffer:
//
//	Slave Address   : 1 byte  (filled in by the packager)
//	Function        : 1 byte
//	Byte count      : 1 byte  (read responses only)
//	Register value  : 2 bytes (big endian)
const (
	offsetSlaveID  = 0
	offsetFunction = 1
	offsetValue    = 3
)

// Command is a scratch buffer for one request/response exchange.
// TxLength and RxLength count the slave address but not the CRC.
type Command struct {
	Msg      [commandSize]byte
	TxLength int
	RxLength int
}

// Reset clears the buffer so that it can be reused for another exchange.
func (c *Command) Reset() {
	*c = Command{}
}

// Request returns the bytes to transmit, slave address included.
func (c *Command) Request() []byte {
	return c.Msg[:c.TxLength]
}

// SpindleState is the requested rotation mode.
type SpindleState int

const (
	// Disable stops the spindle.
	Disable SpindleState = iota
	// Cw runs the spindle clockwise.
	Cw
	// Ccw runs the spindle counter clockwise.
	Ccw
)

func (s SpindleState) String() string {
	switch s {
	case Disable:
		return "disable"
	case Cw:
		return "cw"
	case Ccw:
		return "ccw"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseSpindleState maps the names used on the command line and in
// configuration files to a SpindleState.
func ParseSpindleState(s string) (SpindleState, error) {
	switch strings.ToLower(s) {
	case "cw", "forward", "m3":
		return Cw, nil
	case "ccw", "reverse", "m4":
		return Ccw, nil
	case "stop", "disable", "off", "m5":
		return Disable, nil
	}
	return Disable, fmt.Errorf("vfd: unknown spindle state '%s'", s)
}

// UpdateKind names the device state field an Update targets.
type UpdateKind int

const (
	// UpdateMaxFrequency carries the upper frequency bound in tenths of Hz.
	UpdateMaxFrequency UpdateKind = iota + 1
	// UpdateMinFrequency carries the lower frequency bound in tenths of Hz.
	// Applying it completes calibration.
	UpdateMinFrequency
	// UpdateSyncSpeed carries the output frequency reported by the drive.
	UpdateSyncSpeed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMaxFrequency:
		return "max-frequency"
	case UpdateMinFrequency:
		return "min-frequency"
	case UpdateSyncSpeed:
		return "sync-speed"
	default:
		return fmt.Sprintf("update(%d)", int(k))
	}
}

// Update is the typed result of parsing a response.
type Update struct {
	Kind  UpdateKind
	Value uint16
}

// ResponseParser decodes a verified response (slave address included,
// CRC stripped). It is built for one request and used once.
type ResponseParser func(response []byte) (Update, bool)

// Protocol encodes spindle intents for one family of drives.
// Implementations fill cmd and never perform I/O.
type Protocol interface {
	// Name identifies the drive family.
	Name() string
	// DefaultRange is the frequency range assumed before calibration.
	DefaultRange() Range
	// DirectionCommand builds the run/stop frame for state.
	DirectionCommand(state SpindleState, cmd *Command)
	// SpeedCommand builds the frame that sets devSpeed, in device units.
	SpeedCommand(devSpeed uint32, r Range, cmd *Command)
	// InitializationStep builds calibration read index (-1, -2, ...).
	// A nil parser means the sequence is complete.
	InitializationStep(index int, cmd *Command) ResponseParser
	// StatusQuery builds a readiness query; nil means no query is needed.
	StatusQuery(cmd *Command) ResponseParser
	// CurrentSpeedQuery builds the output frequency query.
	CurrentSpeedQuery(cmd *Command) ResponseParser
	// UseDelaySettings reports whether the driver should wait fixed
	// spin up delays instead of polling the reported speed.
	UseDelaySettings() bool
}

// registerValue decodes the big endian register following the byte count.
func registerValue(response []byte) (uint16, bool) {
	if len(response) < offsetValue+2 {
		return 0, false
	}
	return uint16(response[offsetValue])<<8 | uint16(response[offsetValue+1]), true
}

// parserFor returns a parser that stores the first register as kind.
func parserFor(kind UpdateKind) ResponseParser {
	return func(response []byte) (Update, bool) {
		value, ok := registerValue(response)
		if !ok {
			return Update{}, false
		}
		return Update{Kind: kind, Value: value}, true
	}
}
