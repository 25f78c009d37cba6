package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mcu_simulator/controlroom"
	"github.com/w1xm/mcu_simulator/internal/modbus"
	"github.com/w1xm/mcu_simulator/mcu"
)

func startServer(t *testing.T, store *mcu.Store) string {
	t.Helper()
	s := modbus.NewServer("127.0.0.1:0", store, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	require.NoError(t, err)
	return addr.String()
}

func TestRun(t *testing.T) {
	store := mcu.NewStore()
	o := &options{address: startServer(t, store), profile: controlroom.Profile{Speed: 4}}

	for _, test := range []struct {
		args []string
		want mcu.Command
	}{
		{
			args: []string{"move", "10", "-5"},
			want: mcu.Command{
				Kind:                 mcu.RelativeMove,
				AzimuthDelta:         10,
				ElevationDelta:       -5,
				CachedAzimuthDelta:   10,
				CachedElevationDelta: -5,
				AzimuthSpeed:         4,
				ElevationSpeed:       4,
			},
		},
		{
			args: []string{"home", "ccw"},
			want: mcu.Command{Kind: mcu.Home, AzimuthHome: -1, ElevationHome: -1, AzimuthSpeed: 4, ElevationSpeed: 4},
		},
		{
			args: []string{"estop"},
			want: mcu.Command{Kind: mcu.ImmediateStop},
		},
		{
			args: []string{"clear"},
			want: mcu.Command{Kind: mcu.ClearErrors},
		},
	} {
		t.Run(test.args[0], func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, run(o, test.args, &out, zerolog.Nop()))
			cmds := store.Commands()
			got := mcu.Decode(cmds.Words[:])
			if diff := cmp.Diff(test.want, got, cmpopts.EquateApprox(0, 1e-3)); diff != "" {
				t.Errorf("unexpected command: got(-)/want(+):\n%s", diff)
			}
			var st controlroom.Status
			require.NoError(t, json.Unmarshal(out.Bytes(), &st))
		})
	}
}

func TestRunStatus(t *testing.T) {
	store := mcu.NewStore()
	store.UpdateStatus(mcu.Status{
		Azimuth:   mcu.AxisStatus{Angle: 45, Homed: true},
		Elevation: mcu.AxisStatus{Angle: mcu.InternalElevation(10)},
	})
	before := store.Commands()
	o := &options{address: startServer(t, store)}

	var out bytes.Buffer
	require.NoError(t, run(o, []string{"status"}, &out, zerolog.Nop()))
	var st controlroom.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.InDelta(t, 45, st.AzPos, 1e-2)
	assert.InDelta(t, 10, st.ElPos, 1e-2)
	assert.True(t, st.Azimuth.Homed)
	assert.True(t, before.Equal(store.Commands()), "status must not write a command")
}

func TestCommandUsage(t *testing.T) {
	for _, args := range [][]string{
		{"move", "10"},
		{"move", "north", "5"},
		{"jog", "2", "0"},
		{"home", "up"},
		{"stop", "now"},
		{"spin"},
	} {
		_, err := command(args[0], args[1:], controlroom.Profile{})
		assert.ErrorIs(t, err, errUsage, "args %q", args)
	}
	assert.ErrorIs(t, run(&options{}, nil, &bytes.Buffer{}, zerolog.Nop()), errUsage)
}
