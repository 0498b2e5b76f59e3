package vfd

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrParse is returned for malformed speed maps.
var ErrParse = errors.New("vfd: invalid speed map")

// SpeedEntry maps an RPM to a percentage of the maximum device speed.
type SpeedEntry struct {
	RPM     uint32
	Percent float64
}

// SpeedMap converts RPM to device units by linear interpolation between
// entries. Entries are sorted by RPM.
type SpeedMap struct {
	entries     []SpeedEntry
	maxDevSpeed uint32
	// derived is set when the table was computed from the drive limits
	// rather than configured.
	derived bool
}

// ShelfSpeeds builds the default table for a drive that cannot run below
// minRPM: everything under minRPM maps to the minimum, zero maps to zero.
func ShelfSpeeds(minRPM, maxRPM uint32) []SpeedEntry {
	if maxRPM == 0 {
		return []SpeedEntry{{RPM: 0, Percent: 0}}
	}
	minPercent := 100 * float64(minRPM) / float64(maxRPM)
	entries := []SpeedEntry{
		{RPM: 0, Percent: 0},
		{RPM: 0, Percent: minPercent},
	}
	if minRPM != 0 {
		entries = append(entries, SpeedEntry{RPM: minRPM, Percent: minPercent})
	}
	return append(entries, SpeedEntry{RPM: maxRPM, Percent: 100})
}

// ParseSpeedMap parses entries of the form "0=0% 1000=0% 24000=100%".
func ParseSpeedMap(s string) ([]SpeedEntry, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrParse)
	}
	entries := make([]SpeedEntry, 0, len(fields))
	for _, field := range fields {
		rpmText, percentText, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: entry '%s' lacks '='", ErrParse, field)
		}
		rpm, err := strconv.ParseUint(rpmText, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: rpm '%s': %v", ErrParse, rpmText, err)
		}
		percent, err := strconv.ParseFloat(strings.TrimSuffix(percentText, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: percent '%s': %v", ErrParse, percentText, err)
		}
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("%w: percent '%s' out of range", ErrParse, percentText)
		}
		if n := len(entries); n > 0 && uint32(rpm) < entries[n-1].RPM {
			return nil, fmt.Errorf("%w: rpm %d is lower than %d", ErrParse, rpm, entries[n-1].RPM)
		}
		entries = append(entries, SpeedEntry{RPM: uint32(rpm), Percent: percent})
	}
	return entries, nil
}

// NewSpeedMap returns a configured table.
func NewSpeedMap(entries []SpeedEntry) *SpeedMap {
	m := &SpeedMap{}
	m.Install(entries)
	return m
}

// Install replaces the table.
func (m *SpeedMap) Install(entries []SpeedEntry) {
	m.entries = append([]SpeedEntry(nil), entries...)
	m.derived = false
}

func (m *SpeedMap) clone() *SpeedMap {
	if m == nil {
		return &SpeedMap{}
	}
	c := *m
	c.entries = m.Entries()
	return &c
}

// Setup binds the percentages to maxDevSpeed device units.
func (m *SpeedMap) Setup(maxDevSpeed uint32) {
	m.maxDevSpeed = maxDevSpeed
}

// Empty reports whether no table is installed.
func (m *SpeedMap) Empty() bool {
	return m == nil || len(m.entries) == 0
}

// Entries returns a copy of the table.
func (m *SpeedMap) Entries() []SpeedEntry {
	return append([]SpeedEntry(nil), m.entries...)
}

// MinRPM is the lowest RPM in the table.
func (m *SpeedMap) MinRPM() uint32 {
	if m.Empty() {
		return 0
	}
	return m.entries[0].RPM
}

// MaxRPM is the highest RPM in the table.
func (m *SpeedMap) MaxRPM() uint32 {
	if m.Empty() {
		return 0
	}
	return m.entries[len(m.entries)-1].RPM
}

// DeviceSpeed maps rpm to device units. RPMs past the last entry map to
// the last entry.
func (m *SpeedMap) DeviceSpeed(rpm uint32) uint32 {
	if m.Empty() {
		return 0
	}
	return m.devSpeed(m.percent(rpm))
}

func (m *SpeedMap) percent(rpm uint32) float64 {
	entries := m.entries
	if rpm <= entries[0].RPM {
		return entries[0].Percent
	}
	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1], entries[i]
		if rpm > b.RPM {
			continue
		}
		if a.RPM == b.RPM {
			return a.Percent
		}
		return a.Percent + (b.Percent-a.Percent)*float64(rpm-a.RPM)/float64(b.RPM-a.RPM)
	}
	return entries[len(entries)-1].Percent
}

func (m *SpeedMap) devSpeed(percent float64) uint32 {
	return uint32(math.Round(percent * float64(m.maxDevSpeed) / 100))
}

// RPM maps device units back to RPM using the last segment that covers
// the corresponding percentage.
func (m *SpeedMap) RPM(devSpeed uint32) uint32 {
	if m.Empty() || m.maxDevSpeed == 0 {
		return 0
	}
	percent := 100 * float64(devSpeed) / float64(m.maxDevSpeed)
	entries := m.entries
	for i := len(entries) - 1; i > 0; i-- {
		a, b := entries[i-1], entries[i]
		if percent < a.Percent || percent > b.Percent {
			continue
		}
		if a.Percent == b.Percent {
			return b.RPM
		}
		return uint32(math.Round(float64(a.RPM) + float64(b.RPM-a.RPM)*(percent-a.Percent)/(b.Percent-a.Percent)))
	}
	if percent <= entries[0].Percent {
		return entries[0].RPM
	}
	return entries[len(entries)-1].RPM
}
