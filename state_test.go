package vfd

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calibrate(s *DeviceState, maxFrequency, minFrequency uint16, logger *slog.Logger) {
	s.Apply(Update{Kind: UpdateMaxFrequency, Value: maxFrequency}, logger)
	s.Apply(Update{Kind: UpdateMinFrequency, Value: minFrequency}, logger)
}

func TestFrequencyConversion(t *testing.T) {
	assert.Equal(t, uint32(24000), FrequencyToRPM(4000))
	assert.Equal(t, uint32(4000), RPMToFrequency(24000))
	assert.Equal(t, uint32(0), FrequencyToRPM(0))
}

func TestNewDeviceStateDerivesTable(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)

	assert.False(t, s.Calibrated)
	assert.Equal(t, uint32(100), s.Slop)
	require.NotNil(t, s.Speeds)
	assert.True(t, s.Speeds.derived)
	assert.Equal(t, uint32(24000), s.Speeds.MaxRPM())
	assert.Equal(t, uint32(4000), s.Speeds.DeviceSpeed(24000))
	assert.Equal(t, uint32(2000), s.Speeds.DeviceSpeed(12000))
}

func TestCalibration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	calibrate(&s, 4000, 0, logger)

	assert.True(t, s.Calibrated)
	assert.Equal(t, Range{Min: 0, Max: 4000}, s.Range)
	assert.Equal(t, uint32(100), s.Slop)
	assert.Equal(t, uint32(0), s.Speeds.MinRPM())
	assert.Equal(t, uint32(24000), s.Speeds.MaxRPM())
	assert.Contains(t, buf.String(), "VFD: max speed")
	assert.Contains(t, buf.String(), "VFD: min speed")
	assert.Contains(t, buf.String(), "VFD: settings read")
}

func TestCalibrationShelf(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	calibrate(&s, 4000, 1000, nil)

	expected := []SpeedEntry{
		{RPM: 0, Percent: 0},
		{RPM: 0, Percent: 25},
		{RPM: 6000, Percent: 25},
		{RPM: 24000, Percent: 100},
	}
	if diff := cmp.Diff(expected, s.Speeds.Entries()); diff != "" {
		t.Fatalf("speed table mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint32(0), s.Speeds.DeviceSpeed(0))
	assert.Equal(t, uint32(1000), s.Speeds.DeviceSpeed(1))
	assert.Equal(t, uint32(1000), s.Speeds.DeviceSpeed(6000))
	assert.Equal(t, uint32(2000), s.Speeds.DeviceSpeed(12000))
	assert.Equal(t, uint32(4000), s.Speeds.DeviceSpeed(30000))
}

func TestMaxFrequencyPendingUntilCalibrated(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	s.Apply(Update{Kind: UpdateMaxFrequency, Value: 2000}, nil)

	assert.Equal(t, Range{Min: 0, Max: 4000}, s.Range)
	assert.False(t, s.Calibrated)
	assert.Equal(t, uint32(4000), s.Speeds.DeviceSpeed(24000))

	s.discardPending()
	s.Apply(Update{Kind: UpdateMinFrequency, Value: 0}, nil)
	assert.True(t, s.Calibrated)
	assert.Equal(t, Range{Min: 0, Max: 4000}, s.Range)
}

func TestCalibrationClampsInvertedRange(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	calibrate(&s, 1000, 2000, nil)

	assert.True(t, s.Calibrated)
	assert.Equal(t, Range{Min: 1000, Max: 1000}, s.Range)
	assert.Equal(t, uint32(25), s.Slop)
}

func TestCalibrationSmallMaximum(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	calibrate(&s, 20, 0, nil)

	assert.Equal(t, uint32(1), s.Slop)
}

func TestCalibrationKeepsConfiguredTable(t *testing.T) {
	entries := []SpeedEntry{{RPM: 0, Percent: 0}, {RPM: 12000, Percent: 100}}
	s := NewDeviceState(Range{Min: 0, Max: 4000}, NewSpeedMap(entries))
	assert.Equal(t, uint32(4000), s.Speeds.DeviceSpeed(12000))

	calibrate(&s, 2000, 500, nil)

	if diff := cmp.Diff(entries, s.Speeds.Entries()); diff != "" {
		t.Fatalf("speed table mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint32(2000), s.Speeds.DeviceSpeed(12000))
	assert.Equal(t, uint32(1000), s.Speeds.DeviceSpeed(6000))
}

func TestApplySyncSpeed(t *testing.T) {
	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	s.Apply(Update{Kind: UpdateSyncSpeed, Value: 1950}, nil)

	assert.Equal(t, uint32(1950), s.SyncSpeed)
	assert.False(t, s.Calibrated)
	assert.True(t, s.AtSpeed(2000))
	assert.True(t, s.AtSpeed(1900))
	assert.False(t, s.AtSpeed(2100))
	assert.False(t, s.AtSpeed(0))
}

func TestApplyUnknownUpdate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := NewDeviceState(Range{Min: 0, Max: 4000}, nil)
	before := s.Range
	s.Apply(Update{Kind: UpdateKind(42), Value: 1}, logger)

	assert.Equal(t, before, s.Range)
	assert.Contains(t, buf.String(), "update(42)")
}
