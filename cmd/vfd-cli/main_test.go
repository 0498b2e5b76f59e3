package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/grid-x/vfd"
)

// fakeDrive answers requests without framing: writes are echoed, reads
// return the value stored for the register.
type fakeDrive struct {
	registers map[uint16]uint16
	requests  [][]byte
}

func (d *fakeDrive) SetSlave(byte) {}

func (d *fakeDrive) Encode(cmd *vfd.Command) ([]byte, error) {
	cmd.Msg[0] = 1
	return append([]byte(nil), cmd.Request()...), nil
}

func (d *fakeDrive) Decode(adu []byte) ([]byte, error) { return adu, nil }

func (d *fakeDrive) Verify([]byte, []byte, int) error { return nil }

func (d *fakeDrive) Send(request []byte) ([]byte, error) {
	d.requests = append(d.requests, request)
	register := uint16(request[2])<<8 | uint16(request[3])
	if request[1] == vfd.FuncCodeWriteSingleRegister {
		d.registers[register] = uint16(request[4])<<8 | uint16(request[5])
		if register == 0x0121 && d.registers[register] != 0 {
			d.registers[0x03FC] = uint16(uint32(d.registers[0x00D9]) * 10000 / uint32(d.registers[register]))
		}
		if register == 0x0122 && d.registers[register] == 0x10 {
			d.registers[0x03FC] = 0
		}
		return request, nil
	}
	v := d.registers[register]
	return []byte{request[0], request[1], 4, byte(v >> 8), byte(v), 0, 0}, nil
}

func (d *fakeDrive) Connect() error { return nil }

func (d *fakeDrive) Close() error { return nil }

func TestSpindleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vfd.yaml")
	config := "spindles:\n  - name: main\n    type: EV50\n    address: udp://127.0.0.1:5020\n  - name: aux\n    type: EV50\n    address: tcp://127.0.0.1:5021\n"
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatal(err)
	}

	type testCase struct {
		name        string
		opt         option
		address     string
		expectError bool
	}
	tests := []testCase{
		{
			name:    "flags",
			opt:     option{slaveID: 3, cfg: vfd.SpindleConfig{Type: "EV50", Address: "rtu:///dev/ttyUSB0"}},
			address: "rtu:///dev/ttyUSB0",
		},
		{
			name:        "flags - slave id out of range",
			opt:         option{slaveID: 248, cfg: vfd.SpindleConfig{Type: "EV50", Address: "rtu:///dev/ttyUSB0"}},
			expectError: true,
		},
		{
			name:        "flags - invalid parity",
			opt:         option{slaveID: 1, cfg: vfd.SpindleConfig{Type: "EV50", Address: "rtu:///dev/ttyUSB0", Parity: "M"}},
			expectError: true,
		},
		{
			name:    "config - first spindle",
			opt:     option{configFile: path},
			address: "udp://127.0.0.1:5020",
		},
		{
			name:    "config - named spindle",
			opt:     option{configFile: path, spindle: "AUX"},
			address: "tcp://127.0.0.1:5021",
		},
		{
			name:        "config - unknown spindle",
			opt:         option{configFile: path, spindle: "spare"},
			expectError: true,
		},
		{
			name:        "config - missing file",
			opt:         option{configFile: filepath.Join(dir, "missing.yaml")},
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := spindleConfig(tc.opt)
			if tc.expectError {
				if err == nil {
					t.Fatalf("expected an error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Address != tc.address {
				t.Errorf("address: expected %s, actual %s", tc.address, cfg.Address)
			}
		})
	}
}

func TestRun(t *testing.T) {
	drive := &fakeDrive{registers: map[uint16]uint16{0x00D9: 4000, 0x00DA: 0}}
	spindle := vfd.NewSpindle("test", vfd.NewEV50(nil), drive, nil)
	spindle.PollInterval = time.Millisecond

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	opt := option{calibrate: true, direction: "cw", rpm: 12000, read: true}

	if err := run(context.Background(), spindle, opt, logger); err != nil {
		t.Fatal(err)
	}

	var written [][]byte
	for _, request := range drive.requests {
		if request[1] == vfd.FuncCodeWriteSingleRegister {
			written = append(written, request)
		}
	}
	expected := [][]byte{
		{0x01, 0x06, 0x01, 0x22, 0x00, 0x01},
		{0x01, 0x06, 0x01, 0x21, 0x4E, 0x20},
	}
	if diff := cmp.Diff(expected, written); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	for _, msg := range []string{"drive calibrated", "state set", "rpm=12000"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("log lacks %q:\n%s", msg, buf.String())
		}
	}
}

func TestRunErrors(t *testing.T) {
	drive := &fakeDrive{registers: map[uint16]uint16{0x00D9: 4000}}
	spindle := vfd.NewSpindle("test", vfd.NewEV50(nil), drive, nil)
	logger := slog.New(slog.DiscardHandler)

	if err := run(context.Background(), spindle, option{direction: "sideways"}, logger); err == nil {
		t.Error("expected an error for an unknown direction")
	}
}

func TestRunSpeedOnlyRunsClockwise(t *testing.T) {
	drive := &fakeDrive{registers: map[uint16]uint16{0x00D9: 4000}}
	spindle := vfd.NewSpindle("test", vfd.NewEV50(nil), drive, nil)
	spindle.PollInterval = time.Millisecond
	logger := slog.New(slog.DiscardHandler)

	if err := run(context.Background(), spindle, option{rpm: 6000}, logger); err != nil {
		t.Fatal(err)
	}

	expected := [][]byte{
		{0x01, 0x06, 0x01, 0x22, 0x00, 0x01},
		{0x01, 0x06, 0x01, 0x21, 0x9C, 0x40},
	}
	if diff := cmp.Diff(expected, drive.requests[:2]); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestNewLogger(t *testing.T) {
	logger := newLogger("debug")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	logger = newLogger("bogus")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("invalid level should fall back to info")
	}
}

func TestDebugAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := &debugAdapter{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	adapter.Printf("modbus: send % x\n", []byte{0x01, 0x03})

	if !strings.Contains(buf.String(), `msg="modbus: send 01 03"`) {
		t.Errorf("unexpected log line: %s", buf.String())
	}
}
