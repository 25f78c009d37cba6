package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Hamlib error codes.
const (
	rprtOK             = 0
	rprtInvalidParam   = -1
	rprtNotImplemented = -4
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("rotctld accept")
				}
				continue
			}
			go s.handleRotctld(conn)
		}
	}()
	s.log.Info().Stringer("address", ln.Addr()).Msg("rotctld listening")
	return ln.Addr(), nil
}

func (s *Server) handleRotctld(conn net.Conn) {
	defer conn.Close()
	log := s.log.With().Stringer("remote", conn.RemoteAddr()).Logger()
	log.Info().Msg("accepted rotctld connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			parts := strings.Fields(cmd)
			cmd = parts[0][1:]
			args = parts[1:]
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Debug().Str("command", cmd).Strs("args", args).Msg("rotctld command")
		rprt := rprtNotImplemented
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: MCU simulator
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: -15.00
Max Elevation: 95.00
Can set Position: Y
Can get Position: Y
Can Stop: N
Can Park: N
Can Reset: N
Can Move: N
Can get Info: Y
`)
			rprt = rprtOK
		case "_", "get_info":
			status, _ := s.latest()
			if extended {
				fmt.Fprintf(conn, "Info: ")
			}
			fmt.Fprintf(conn, "MCU simulator, last command %s\n", status.LastCommand)
			rprt = rprtOK
		case "P", "set_pos":
			extended = true // always print RPRT
			rprt = s.rotctldSetPos(args)
		case "p", "get_pos":
			status, _ := s.latest()
			az := status.AzimuthPosition()
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, status.ElevationPosition())
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, status.ElevationPosition())
			}
			rprt = rprtOK
		case "q", "Q":
			return
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("reading rotctld connection")
	}
}

func (s *Server) rotctldSetPos(args []string) int {
	if len(args) != 2 {
		return rprtInvalidParam
	}
	az, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return rprtInvalidParam
	}
	el, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return rprtInvalidParam
	}
	if az < 0 {
		az += 360
	}
	if err := s.mover.TestMove(az, el, 0); err != nil {
		s.log.Warn().Err(err).Msg("rotctld set_pos")
		return rprtInvalidParam
	}
	return rprtOK
}
