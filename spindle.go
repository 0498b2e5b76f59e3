package vfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotAtSpeed is returned when the drive does not report the commanded
// speed within SpinUpTimeout.
var ErrNotAtSpeed = errors.New("vfd: spindle did not reach speed")

// ErrDisabled is returned when a speed is set on a stopped spindle.
var ErrDisabled = errors.New("vfd: spindle is disabled")

// stateUnknown forces the first SetState to send a direction command.
const stateUnknown SpindleState = -1

const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultSpinUpTimeout = 10 * time.Second
)

// Spindle drives one VFD. All exchanges with the drive are serialized, one
// request in flight at a time.
type Spindle struct {
	Name string

	// Logger receives device messages. Nil discards them.
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *Metrics

	// PollInterval paces speed queries while waiting for the drive.
	PollInterval time.Duration
	// SpinUpTimeout bounds the wait for the commanded speed. Zero or less skips
	// the wait.
	SpinUpTimeout time.Duration
	// SpinUpDelay and SpinDownDelay are waited instead of polling when the
	// protocol asks for delay settings.
	SpinUpDelay   time.Duration
	SpinDownDelay time.Duration

	protocol Protocol
	handler  Handler

	mu      sync.Mutex
	cmd     Command
	state   DeviceState
	// current is the direction last sent to the drive, direction the one
	// last requested.
	current   SpindleState
	direction SpindleState
}

// NewSpindle creates a spindle for protocol talking through handler.
// speeds may be nil to derive the table from the drive limits.
func NewSpindle(name string, protocol Protocol, handler Handler, speeds *SpeedMap) *Spindle {
	return &Spindle{
		Name:          name,
		PollInterval:  defaultPollInterval,
		SpinUpTimeout: defaultSpinUpTimeout,
		protocol:      protocol,
		handler:       handler,
		state:         NewDeviceState(protocol.DefaultRange(), speeds),
		current:       stateUnknown,
	}
}

// Protocol returns the drive protocol.
func (s *Spindle) Protocol() Protocol {
	return s.protocol
}

// State returns a snapshot of the device state.
func (s *Spindle) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	state.Speeds = s.state.Speeds.clone()
	return state
}

// Init runs the calibration reads of the protocol until it reports no
// further step. On error the defaults stay in effect.
func (s *Spindle) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.discardPending()
	for index := -1; ; index-- {
		s.cmd.Reset()
		parser := s.protocol.InitializationStep(index, &s.cmd)
		if parser == nil {
			return nil
		}
		if err := s.exchange(ctx, OpInitialize, parser); err != nil {
			s.state.discardPending()
			return fmt.Errorf("vfd: %s: initialization step %d: %w", s.Name, index, err)
		}
	}
}

// Ready reports whether the drive accepts commands. Protocols without a
// status query are always ready.
func (s *Spindle) Ready(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cmd.Reset()
	parser := s.protocol.StatusQuery(&s.cmd)
	if parser == nil {
		return true, nil
	}
	if err := s.exchange(ctx, OpStatus, parser); err != nil {
		return false, err
	}
	return true, nil
}

// SetState sets the direction and then the speed. Unless the protocol uses
// delay settings it waits until the drive reports the commanded speed.
func (s *Spindle) SetState(ctx context.Context, state SpindleState, rpm uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apply(ctx, state, rpm)
}

// SetSpeed changes the speed keeping the last requested direction.
func (s *Spindle) SetSpeed(ctx context.Context, rpm uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.direction == Disable {
		return fmt.Errorf("%w: %s", ErrDisabled, s.Name)
	}
	return s.apply(ctx, s.direction, rpm)
}

func (s *Spindle) apply(ctx context.Context, state SpindleState, rpm uint32) error {
	s.direction = state
	if state != s.current {
		s.cmd.Reset()
		s.protocol.DirectionCommand(state, &s.cmd)
		if err := s.exchange(ctx, OpDirection, nil); err != nil {
			s.current = stateUnknown
			return fmt.Errorf("vfd: %s: set direction %v: %w", s.Name, state, err)
		}
		s.current = state
	}
	if state == Disable {
		return s.settle(ctx, 0, s.SpinDownDelay)
	}

	devSpeed := s.state.Speeds.DeviceSpeed(rpm)
	s.cmd.Reset()
	s.protocol.SpeedCommand(devSpeed, s.state.Range, &s.cmd)
	if err := s.exchange(ctx, OpSpeed, nil); err != nil {
		return fmt.Errorf("vfd: %s: set speed %d rpm: %w", s.Name, rpm, err)
	}
	if devSpeed == 0 {
		// Drives may stop on a zero speed; resend the direction next time.
		s.current = stateUnknown
	}
	return s.settle(ctx, devSpeed, s.SpinUpDelay)
}

// Speed queries the output frequency and returns it in RPM.
func (s *Spindle) Speed(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.querySpeed(ctx); err != nil {
		return 0, err
	}
	return s.state.Speeds.RPM(s.state.SyncSpeed), nil
}

func (s *Spindle) querySpeed(ctx context.Context) error {
	s.cmd.Reset()
	parser := s.protocol.CurrentSpeedQuery(&s.cmd)
	if parser == nil {
		return nil
	}
	if err := s.exchange(ctx, OpCurrentSpeed, parser); err != nil {
		return fmt.Errorf("vfd: %s: query speed: %w", s.Name, err)
	}
	return nil
}

// settle waits for devSpeed, either by delay or by polling.
func (s *Spindle) settle(ctx context.Context, devSpeed uint32, delay time.Duration) error {
	if s.protocol.UseDelaySettings() {
		return sleep(ctx, delay)
	}
	return s.waitForSpeed(ctx, devSpeed)
}

func (s *Spindle) waitForSpeed(ctx context.Context, devSpeed uint32) error {
	if s.SpinUpTimeout <= 0 {
		return nil
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.SpinUpTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			return s.waitError(ctx, waitCtx, devSpeed)
		}
		if err := s.querySpeed(waitCtx); err != nil {
			if waitCtx.Err() != nil {
				return s.waitError(ctx, waitCtx, devSpeed)
			}
			return err
		}
		if s.state.AtSpeed(devSpeed) {
			return nil
		}
	}
}

// waitError tells a canceled or expired caller context apart from the spin
// up timeout. The limiter gives up before the deadline when the next token
// comes too late, so a caller deadline is waited out first.
func (s *Spindle) waitError(ctx, waitCtx context.Context, devSpeed uint32) error {
	if parent, ok := ctx.Deadline(); ok {
		if deadline, _ := waitCtx.Deadline(); !parent.After(deadline) {
			<-ctx.Done()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: reported %d, commanded %d", ErrNotAtSpeed, s.Name, s.state.SyncSpeed, devSpeed)
}

// exchange sends s.cmd and applies the parsed response. Caller must hold
// the mutex.
func (s *Spindle) exchange(ctx context.Context, operation string, parser ResponseParser) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := s.send(parser)
	s.Metrics.observe(s.Name, operation, time.Since(start), err)
	return err
}

func (s *Spindle) send(parser ResponseParser) error {
	aduRequest, err := s.handler.Encode(&s.cmd)
	if err != nil {
		return err
	}
	aduResponse, err := s.handler.Send(aduRequest)
	if err != nil {
		return err
	}
	if err = s.handler.Verify(aduRequest, aduResponse, s.cmd.RxLength); err != nil {
		return err
	}
	response, err := s.handler.Decode(aduResponse)
	if err != nil {
		return err
	}
	if parser == nil {
		return nil
	}
	update, ok := parser(response)
	if !ok {
		return fmt.Errorf("vfd: %s: could not parse response % x", s.Name, response)
	}
	s.state.Apply(update, s.logger())
	if update.Kind == UpdateSyncSpeed {
		s.Metrics.setSyncSpeed(s.Name, s.state.SyncSpeed)
	}
	return nil
}

func (s *Spindle) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger()
	}
	return s.Logger.With("spindle", s.Name)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
