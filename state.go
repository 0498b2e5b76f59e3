package vfd

import (
	"log/slog"
)

// Range is the frequency range a drive accepts, in tenths of Hz.
type Range struct {
	Min uint16
	Max uint16
}

// Contains reports whether devSpeed lies within [Min, Max].
func (r Range) Contains(devSpeed uint32) bool {
	return devSpeed >= uint32(r.Min) && devSpeed <= uint32(r.Max)
}

// FrequencyToRPM converts tenths of Hz into spindle RPM.
func FrequencyToRPM(frequency uint32) uint32 {
	return frequency * 60 / 10
}

// RPMToFrequency converts spindle RPM into tenths of Hz.
func RPMToFrequency(rpm uint32) uint32 {
	return rpm * 10 / 60
}

// slopFor is the tolerance used to decide that the drive reached a
// commanded frequency.
func slopFor(maxFrequency uint16) uint32 {
	return max(uint32(maxFrequency)/40, 1)
}

// DeviceState is the mutable state of one drive. It is not safe for
// concurrent use; Spindle serializes access.
type DeviceState struct {
	Range Range
	// SyncSpeed is the last output frequency reported by the drive.
	SyncSpeed uint32
	// Slop is the tolerance around a commanded frequency.
	Slop uint32
	// Speeds maps RPM to device units.
	Speeds *SpeedMap
	// Calibrated is set once both frequency limits were read.
	Calibrated bool

	// pendingMax holds a max frequency read until calibration completes.
	pendingMax    uint16
	hasPendingMax bool
}

// NewDeviceState returns the state assumed before calibration. speeds may
// be nil, in which case a table is derived from the calibrated range.
func NewDeviceState(defaults Range, speeds *SpeedMap) DeviceState {
	if speeds == nil {
		speeds = &SpeedMap{}
	}
	s := DeviceState{
		Range:  defaults,
		Slop:   slopFor(defaults.Max),
		Speeds: speeds,
	}
	if s.Speeds.Empty() {
		s.Speeds.Install(ShelfSpeeds(FrequencyToRPM(uint32(defaults.Min)), FrequencyToRPM(uint32(defaults.Max))))
		s.Speeds.derived = true
	}
	s.Speeds.Setup(uint32(defaults.Max))
	return s
}

// Apply folds a parsed update into the state. It is the only place where
// responses change the state.
func (s *DeviceState) Apply(u Update, logger *slog.Logger) {
	if logger == nil {
		logger = discardLogger()
	}
	switch u.Kind {
	case UpdateMaxFrequency:
		s.pendingMax = u.Value
		s.hasPendingMax = true
		logger.Info("VFD: max speed", "frequency", u.Value, "rpm", FrequencyToRPM(uint32(u.Value)))
	case UpdateMinFrequency:
		s.Range.Min = u.Value
		logger.Info("VFD: min speed", "frequency", u.Value, "rpm", FrequencyToRPM(uint32(u.Value)))
		s.completeCalibration(logger)
	case UpdateSyncSpeed:
		s.SyncSpeed = uint32(u.Value)
	default:
		logger.Warn("VFD: ignoring unknown update", "kind", u.Kind.String())
	}
}

// completeCalibration commits both limits and derives the operating
// parameters from them. Until then the range stays on its previous values.
func (s *DeviceState) completeCalibration(logger *slog.Logger) {
	if s.hasPendingMax {
		s.Range.Max = s.pendingMax
	}
	s.discardPending()
	if s.Range.Min > s.Range.Max {
		s.Range.Min = s.Range.Max
	}
	if s.Speeds == nil {
		s.Speeds = &SpeedMap{}
	}
	// Tables derived from the defaults are replaced, configured ones kept.
	if s.Speeds.Empty() || s.Speeds.derived {
		minRPM := FrequencyToRPM(uint32(s.Range.Min))
		maxRPM := FrequencyToRPM(uint32(s.Range.Max))
		s.Speeds.Install(ShelfSpeeds(minRPM, maxRPM))
		s.Speeds.derived = true
	}
	s.Speeds.Setup(uint32(s.Range.Max))
	s.Slop = slopFor(s.Range.Max)
	s.Calibrated = true

	logger.Info("VFD: settings read", "min", s.Range.Min, "max", s.Range.Max, "slop", s.Slop)
}

// discardPending drops a max frequency read of an unfinished calibration.
func (s *DeviceState) discardPending() {
	s.pendingMax = 0
	s.hasPendingMax = false
}

// AtSpeed reports whether the last reported frequency is within Slop of
// devSpeed.
func (s *DeviceState) AtSpeed(devSpeed uint32) bool {
	var diff uint32
	if s.SyncSpeed > devSpeed {
		diff = s.SyncSpeed - devSpeed
	} else {
		diff = devSpeed - s.SyncSpeed
	}
	return diff <= s.Slop
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
