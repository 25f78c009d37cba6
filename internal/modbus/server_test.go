package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mcu_simulator/internal/metrics"
	"github.com/w1xm/mcu_simulator/mcu"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	s := NewServer("127.0.0.1:0", mcu.NewStore(), zerolog.Nop(), m)
	s.RetryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})

	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	require.NoError(t, err)
	return s, addr.String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c := &Client{Address: addr, SlaveId: 1, Log: zerolog.Nop()}
	require.NoError(t, c.Dial())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerWriteCommandBlock(t *testing.T) {
	s, addr := startServer(t)
	c := dial(t, addr)

	block := mcu.CommandBlock{AzimuthWord: mcu.CodeRelativeMove, AzimuthDelta: 45, AzimuthSpeed: 10}.Words()
	require.NoError(t, c.WriteWords(mcu.InputBase, block))

	snap := s.Store.Commands()
	if diff := cmp.Diff(block, snap.Words[:]); diff != "" {
		t.Errorf("unexpected command block: got(-)/want(+):\n%s", diff)
	}
	assert.Equal(t, uint64(1), snap.Generation)

	got, err := c.ReadWords(mcu.InputBase, mcu.AxisBlockWords)
	require.NoError(t, err)
	assert.Equal(t, block, got)

	_, err = c.WriteSingleRegister(mcu.InputBase+mcu.ElevationOffset+mcu.InSecondWord, mcu.CodeCancelMove)
	require.NoError(t, err)
	snap = s.Store.Commands()
	assert.Equal(t, mcu.CodeCancelMove, snap.Words[mcu.ElevationOffset+mcu.InSecondWord])
	assert.Equal(t, uint64(2), snap.Generation)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.ModbusRequests.WithLabelValues("write_multiple_registers", "ok")))
}

func TestServerReadStatus(t *testing.T) {
	s, addr := startServer(t)
	c := dial(t, addr)

	s.Store.UpdateStatus(mcu.Status{
		Azimuth:   mcu.AxisStatus{Angle: 123.4, Moving: true, Speed: 1},
		Elevation: mcu.AxisStatus{Angle: mcu.InternalElevation(30), Homed: true},
	})
	words, err := c.ReadWords(mcu.OutputBase, mcu.AxisBlockWords)
	require.NoError(t, err)

	st := mcu.ParseStatus(words)
	assert.InDelta(t, 123.4, st.Azimuth.Angle, 1e-3)
	assert.True(t, st.Azimuth.Moving)
	assert.InDelta(t, 30, mcu.RealElevation(st.Elevation.Angle), 1e-2)
	assert.True(t, st.Elevation.Homed)
}

func exceptionCode(t *testing.T, err error) byte {
	t.Helper()
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr), "expected a modbus exception, got %v", err)
	return mbErr.ExceptionCode
}

func TestServerExceptions(t *testing.T) {
	s, addr := startServer(t)
	c := dial(t, addr)

	_, err := c.WriteSingleRegister(mcu.OutputBase+mcu.OutPositionMSW, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	err = c.WriteWords(mcu.OutputBase, make([]uint16, 4))
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	_, err = c.ReadWords(mcu.RegisterCount-5, 10)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	_, err = c.ReadInputRegisters(0, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalFunction), exceptionCode(t, err))

	// The connection survives exceptions.
	_, err = c.ReadWords(mcu.OutputBase, 1)
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.ModbusRequests.WithLabelValues("write_single_register", "exception_2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.ModbusRequests.WithLabelValues("unsupported", "exception_1")))
}

func adu(txn uint16, pdu ...byte) []byte {
	out := []byte{byte(txn >> 8), byte(txn), 0, 0, byte((len(pdu) + 1) >> 8), byte(len(pdu) + 1), 1}
	return append(out, pdu...)
}

func TestHandle(t *testing.T) {
	s := NewServer("", mcu.NewStore(), zerolog.Nop(), nil)
	require.NoError(t, s.Store.Write(mcu.InputBase, []uint16{0x1234}))

	for _, test := range []struct {
		name string
		req  []byte
		want []byte
	}{
		{
			name: "read",
			req:  adu(7, 0x03, 0x04, 0x00, 0x00, 0x01),
			want: adu(7, 0x03, 0x02, 0x12, 0x34),
		},
		{
			name: "read zero quantity",
			req:  adu(8, 0x03, 0x04, 0x00, 0x00, 0x00),
			want: adu(8, 0x83, 0x03),
		},
		{
			name: "read too many",
			req:  adu(8, 0x03, 0x00, 0x00, 0x00, 0x7e),
			want: adu(8, 0x83, 0x03),
		},
		{
			name: "write single",
			req:  adu(9, 0x06, 0x04, 0x01, 0xbe, 0xef),
			want: adu(9, 0x06, 0x04, 0x01, 0xbe, 0xef),
		},
		{
			name: "write multiple",
			req:  adu(10, 0x10, 0x04, 0x02, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02),
			want: adu(10, 0x10, 0x04, 0x02, 0x00, 0x02),
		},
		{
			name: "write multiple byte count mismatch",
			req:  adu(11, 0x10, 0x04, 0x02, 0x00, 0x02, 0x03, 0x00, 0x01, 0x00),
			want: adu(11, 0x90, 0x03),
		},
		{
			name: "write status block",
			req:  adu(12, 0x06, 0x00, 0x03, 0x00, 0x01),
			want: adu(12, 0x86, 0x02),
		},
		{
			name: "coils unsupported",
			req:  adu(13, 0x01, 0x00, 0x00, 0x00, 0x01),
			want: adu(13, 0x81, 0x01),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := s.Handle(test.req)
			require.NoError(t, err)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected response: got(-)/want(+):\n%s", diff)
			}
		})
	}

	words, err := s.Store.Read(mcu.InputBase, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0xbeef, 0x0001, 0x0002}, words)
}

func TestHandleBadFrames(t *testing.T) {
	s := NewServer("", mcu.NewStore(), zerolog.Nop(), nil)
	for _, req := range [][]byte{
		{0, 1, 0, 0},
		{0, 1, 0, 1, 0, 2, 1, 3},
		{0, 1, 0, 0, 0, 9, 1, 3, 0},
	} {
		_, err := s.Handle(req)
		assert.ErrorIs(t, err, ErrBadFrame, "request % x", req)
	}
}

func TestServerServesOneClientAtATime(t *testing.T) {
	_, addr := startServer(t)
	first := dial(t, addr)
	_, err := first.ReadWords(mcu.OutputBase, 1)
	require.NoError(t, err)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write(adu(1, 0x03, 0x00, 0x00, 0x00, 0x01))
	require.NoError(t, err)

	resp := make([]byte, 11)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = io.ReadFull(second, resp)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "second client was served while the first was connected: %v", err)

	require.NoError(t, first.Close())
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(second, resp)
	require.NoError(t, err)
	assert.Equal(t, adu(1, 0x03, 0x02, 0x00, 0x00), resp)
}

func TestServerDropsBadClientAndRecovers(t *testing.T) {
	_, addr := startServer(t)

	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = bad.Write([]byte{0, 1, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err, "expected the server to close the connection")
	bad.Close()

	c := dial(t, addr)
	_, err = c.ReadWords(mcu.OutputBase, 1)
	assert.NoError(t, err)
}

func TestServerRelistensAfterBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := busy.Addr().String()

	s := NewServer(addr, mcu.NewStore(), zerolog.Nop(), nil)
	s.RetryDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	busy.Close()

	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	_, err = s.Addr(addrCtx)
	require.NoError(t, err)

	c := dial(t, addr)
	_, err = c.ReadWords(mcu.OutputBase, 1)
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestTunnel(t *testing.T) {
	s := NewServer("", mcu.NewStore(), zerolog.Nop(), nil)
	srv := httptest.NewServer(s.TunnelHandler())
	defer srv.Close()

	c := &Client{URL: srv.URL, Log: zerolog.Nop()}
	require.NoError(t, c.Dial())
	defer c.Close()

	block := mcu.CommandBlock{AzimuthWord: mcu.CodeClockwiseHome}.Words()
	require.NoError(t, c.WriteWords(mcu.InputBase, block))
	cmds := s.Store.Commands()
	assert.Equal(t, mcu.Home, mcu.Decode(cmds.Words[:]).Kind)

	_, err := c.WriteSingleRegister(mcu.OutputBase, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
}

func TestTunnelRefusedWhileClientConnected(t *testing.T) {
	s, addr := startServer(t)
	srv := httptest.NewServer(s.TunnelHandler())
	defer srv.Close()

	tcp := &Client{Address: addr, SlaveId: 1, Log: zerolog.Nop()}
	require.NoError(t, tcp.Dial())
	_, err := tcp.ReadWords(mcu.OutputBase, mcu.AxisBlockWords)
	require.NoError(t, err)

	tunnel := &Client{URL: srv.URL, Log: zerolog.Nop()}
	require.NoError(t, tunnel.Dial())
	defer tunnel.Close()
	_, err = tunnel.ReadWords(mcu.OutputBase, mcu.AxisBlockWords)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrClientConnected.Error())

	tcp.Close()
	require.Eventually(t, func() bool {
		_, err := tunnel.ReadWords(mcu.OutputBase, mcu.AxisBlockWords)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWordBytes(t *testing.T) {
	words := []uint16{0x0102, 0xfffe, 0}
	b := WordsToBytes(words)
	assert.Equal(t, []byte{1, 2, 0xff, 0xfe, 0, 0}, b)
	assert.Equal(t, words, BytesToWords(b))
}
