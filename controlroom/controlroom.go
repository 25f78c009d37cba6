// Package controlroom drives an MCU over Modbus the way the telescope
// control room does: it writes command blocks and polls the status block.
package controlroom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/w1xm/mcu_simulator/internal/modbus"
	"github.com/w1xm/mcu_simulator/mcu"
	"github.com/w1xm/mcu_simulator/rotator"
)

// PollInterval is the pause between status polls.
const PollInterval = 100 * time.Millisecond

type Status struct {
	RawRegisters [mcu.AxisBlockWords]uint16
	// AzPos and ElPos are in real degrees.
	AzPos float64
	ElPos float64

	Azimuth   mcu.AxisStatus
	Elevation mcu.AxisStatus

	InvalidInput bool
}

func (s Status) Clone() rotator.Status {
	return s
}

func (s Status) AzimuthPosition() float64 {
	return s.AzPos
}

func (s Status) ElevationPosition() float64 {
	return s.ElPos
}

// Idle reports whether both axes have finished their last command.
func (s Status) Idle() bool {
	return !s.Azimuth.Moving && !s.Elevation.Moving
}

func parseRegisters(registers [mcu.AxisBlockWords]uint16) Status {
	st := mcu.ParseStatus(registers[:])
	return Status{
		RawRegisters: registers,
		AzPos:        st.Azimuth.Angle,
		ElPos:        mcu.RealElevation(st.Elevation.Angle),
		Azimuth:      st.Azimuth,
		Elevation:    st.Elevation,
		InvalidInput: st.InvalidInput,
	}
}

// Profile is the speed and ramp of a move; zero values let the MCU use
// its defaults.
type Profile struct {
	Speed float64
	Accel float64
	Decel float64
}

type ControlRoom struct {
	statusCallback rotator.StatusCallback
	log            zerolog.Logger
	mu             sync.Mutex
	client         *modbus.Client
	registers      [mcu.AxisBlockWords]uint16
}

func newControlRoom(client *modbus.Client, log zerolog.Logger, statusCallback rotator.StatusCallback) *ControlRoom {
	c := &ControlRoom{
		client:         client,
		log:            log.With().Str("component", "controlroom").Logger(),
		statusCallback: statusCallback,
	}
	c.client.Log = c.log
	c.client.Poll = c.pollOnce
	return c
}

// Connect talks Modbus/TCP to address and polls its status until ctx is
// done.
func Connect(ctx context.Context, address string, log zerolog.Logger, statusCallback rotator.StatusCallback) (*ControlRoom, error) {
	c := newControlRoom(&modbus.Client{Address: address, SlaveId: 1}, log, statusCallback)
	return c, c.client.Connect(ctx)
}

// ConnectURL is Connect through the emulator's HTTP tunnel.
func ConnectURL(ctx context.Context, url string, log zerolog.Logger, statusCallback rotator.StatusCallback) (*ControlRoom, error) {
	c := newControlRoom(&modbus.Client{URL: url, SlaveId: 1}, log, statusCallback)
	return c, c.client.Connect(ctx)
}

// Dial connects once to a Modbus/TCP address, or to the HTTP tunnel when
// url is set, without polling. The caller owns Close.
func Dial(address, url string, log zerolog.Logger) (*ControlRoom, error) {
	c := newControlRoom(&modbus.Client{Address: address, URL: url, SlaveId: 1}, log, nil)
	if err := c.client.Dial(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes a connection opened by Dial.
func (c *ControlRoom) Close() error {
	return c.client.Close()
}

func (c *ControlRoom) pollOnce() error {
	time.Sleep(PollInterval)
	_, err := c.Refresh()
	return err
}

// Refresh reads the status block now.
func (c *ControlRoom) Refresh() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	words, err := c.client.ReadWords(mcu.OutputBase, mcu.AxisBlockWords)
	if err != nil {
		return Status{}, err
	}
	copy(c.registers[:], words)
	c.notifyStatus()
	return parseRegisters(c.registers), nil
}

func (c *ControlRoom) notifyStatus() {
	if c.statusCallback == nil {
		return
	}
	c.statusCallback(parseRegisters(c.registers))
}

// Status returns the status block from the most recent poll.
func (c *ControlRoom) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return parseRegisters(c.registers)
}

func (c *ControlRoom) write(block mcu.CommandBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug().Uint16("az_word", block.AzimuthWord).Uint16("el_word", block.ElevationWord).Msg("writing command block")
	return c.client.WriteWords(mcu.InputBase, block.Words())
}

// RelativeMove moves each axis by its delta in degrees. Positive elevation
// is up.
func (c *ControlRoom) RelativeMove(azimuth, elevation float64, p Profile) error {
	block := mcu.CommandBlock{
		AzimuthWord:    mcu.CodeRelativeMove,
		ElevationWord:  mcu.CodeRelativeMove,
		AzimuthDelta:   azimuth,
		ElevationDelta: elevation,
		AzimuthSpeed:   p.Speed,
		ElevationSpeed: p.Speed,
		AzimuthAccel:   p.Accel,
		ElevationAccel: p.Accel,
		AzimuthDecel:   p.Decel,
		ElevationDecel: p.Decel,
	}
	return c.write(block)
}

func jogWord(dir int) uint16 {
	switch {
	case dir > 0:
		return mcu.CodePositiveJog
	case dir < 0:
		return mcu.CodeNegativeJog
	}
	return 0
}

// Jog starts a jog on each axis with a non-zero direction. Positive
// elevation is up. The jog lasts until the next command block is written.
func (c *ControlRoom) Jog(azimuth, elevation int, p Profile) error {
	return c.write(mcu.CommandBlock{
		AzimuthWord: jogWord(azimuth),
		// The elevation motor turns the opposite way to the axis.
		ElevationWord:  jogWord(-elevation),
		AzimuthSpeed:   p.Speed,
		ElevationSpeed: p.Speed,
		AzimuthAccel:   p.Accel,
		ElevationAccel: p.Accel,
		AzimuthDecel:   p.Decel,
		ElevationDecel: p.Decel,
	})
}

// Home sends both axes to their reference position. Azimuth turns
// clockwise or counter-clockwise to reach 0°.
func (c *ControlRoom) Home(clockwise bool, p Profile) error {
	word := mcu.CodeCounterclockwiseHome
	if clockwise {
		word = mcu.CodeClockwiseHome
	}
	return c.write(mcu.CommandBlock{
		AzimuthWord:    word,
		ElevationWord:  word,
		AzimuthSpeed:   p.Speed,
		ElevationSpeed: p.Speed,
		AzimuthAccel:   p.Accel,
		ElevationAccel: p.Accel,
		AzimuthDecel:   p.Decel,
		ElevationDecel: p.Decel,
	})
}

// ControlledStop decelerates both axes to rest.
func (c *ControlRoom) ControlledStop() error {
	return c.write(mcu.CommandBlock{AzimuthWord: mcu.CodeControlledStop, ElevationWord: mcu.CodeControlledStop})
}

// ImmediateStop halts both axes without a ramp.
func (c *ControlRoom) ImmediateStop() error {
	return c.write(mcu.CommandBlock{AzimuthWord: mcu.CodeImmediateStop, ElevationWord: mcu.CodeImmediateStop})
}

// CancelMove abandons the current move.
func (c *ControlRoom) CancelMove() error {
	return c.write(mcu.CommandBlock{ElevationSecondWord: mcu.CodeCancelMove})
}

// ClearErrors resets the invalid input flag.
func (c *ControlRoom) ClearErrors() error {
	return c.write(mcu.CommandBlock{AzimuthWord: mcu.CodeClearErrors, ElevationWord: mcu.CodeClearErrors})
}

// Configure sends the MCU configuration command.
func (c *ControlRoom) Configure() error {
	return c.write(mcu.CommandBlock{AzimuthWord: mcu.CodeConfigureMCU, ElevationWord: mcu.CodeConfigureMCU})
}
