// Command mcu_client sends one command to an MCU, or the emulator, the way
// the control room does, and prints the status block.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/w1xm/mcu_simulator/controlroom"
	"github.com/w1xm/mcu_simulator/internal/config"
	"github.com/w1xm/mcu_simulator/internal/logging"
)

const usage = `usage: mcu_client [flags] <command> [args]

commands:
  move <azimuth> <elevation>   relative move in degrees
  jog <azimuth> <elevation>    jog direction per axis: -1, 0 or 1
  home [cw|ccw]                home both axes
  stop                         controlled stop
  estop                        immediate stop
  cancel                       cancel the current move
  clear                        clear errors
  configure                    send the configure command
  status                       print the status block

flags:
`

var errUsage = errors.New("bad usage")

func main() {
	fs := flag.NewFlagSet("mcu_client", flag.ExitOnError)
	configFile := fs.String("config", "", "config file (default ./mcu_sim.{yaml,json,toml} if present)")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	opts := registerFlags(fs)
	fs.Parse(os.Args[1:])

	if err := config.Load(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(config.GetString("log.level"), config.GetString("log.format"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.address == "" {
		opts.address = config.GetString("modbus.address")
	}
	if err := run(opts, fs.Args(), os.Stdout, log); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		log.Error().Err(err).Msg("mcu_client failed")
		os.Exit(1)
	}
}

type options struct {
	address string
	url     string
	profile controlroom.Profile
}

func registerFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.address, "addr", "", "Modbus/TCP address of the MCU (default modbus.address)")
	fs.StringVar(&o.url, "url", "", "HTTP tunnel URL, used instead of -addr when set")
	fs.Float64Var(&o.profile.Speed, "speed", 0, "speed in degrees/s (0 for the MCU default)")
	fs.Float64Var(&o.profile.Accel, "accel", 0, "acceleration (0 for the MCU default)")
	fs.Float64Var(&o.profile.Decel, "decel", 0, "deceleration (0 for the MCU default)")
	return o
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, errUsage)
		}
		out[i] = v
	}
	return out, nil
}

func parseDirections(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil || v < -1 || v > 1 {
			return nil, fmt.Errorf("jog direction %q: %w", a, errUsage)
		}
		out[i] = v
	}
	return out, nil
}

// command validates args and returns the write it asks for. A nil send
// means only the status is wanted.
func command(name string, args []string, p controlroom.Profile) (func(*controlroom.ControlRoom) error, error) {
	nargs := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d arguments: %w", name, n, errUsage)
		}
		return nil
	}
	switch name {
	case "move":
		if err := nargs(2); err != nil {
			return nil, err
		}
		v, err := parseFloats(args)
		if err != nil {
			return nil, err
		}
		return func(c *controlroom.ControlRoom) error { return c.RelativeMove(v[0], v[1], p) }, nil
	case "jog":
		if err := nargs(2); err != nil {
			return nil, err
		}
		d, err := parseDirections(args)
		if err != nil {
			return nil, err
		}
		return func(c *controlroom.ControlRoom) error { return c.Jog(d[0], d[1], p) }, nil
	case "home":
		clockwise := true
		if len(args) > 1 {
			return nil, fmt.Errorf("home takes at most one argument: %w", errUsage)
		}
		if len(args) == 1 {
			switch args[0] {
			case "cw":
			case "ccw":
				clockwise = false
			default:
				return nil, fmt.Errorf("home direction %q: %w", args[0], errUsage)
			}
		}
		return func(c *controlroom.ControlRoom) error { return c.Home(clockwise, p) }, nil
	}

	if err := nargs(0); err != nil {
		return nil, err
	}
	switch name {
	case "stop":
		return (*controlroom.ControlRoom).ControlledStop, nil
	case "estop":
		return (*controlroom.ControlRoom).ImmediateStop, nil
	case "cancel":
		return (*controlroom.ControlRoom).CancelMove, nil
	case "clear":
		return (*controlroom.ControlRoom).ClearErrors, nil
	case "configure":
		return (*controlroom.ControlRoom).Configure, nil
	case "status":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %q: %w", name, errUsage)
}

func run(o *options, args []string, out io.Writer, log zerolog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	send, err := command(args[0], args[1:], o.profile)
	if err != nil {
		return err
	}

	c, err := controlroom.Dial(o.address, o.url, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if send != nil {
		if err := send(c); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		log.Info().Str("command", args[0]).Msg("command sent")
	}
	st, err := c.Refresh()
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
