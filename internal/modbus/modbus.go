// Package modbus carries the register store over Modbus/TCP: the emulator's
// single-client server and the reconnecting client the control room uses.
package modbus

import (
	"context"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

const tcpTimeout = 1 * time.Second

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Address creates a Modbus/TCP connection
	Address string
	SlaveId byte
	// URL creates a connection tunnelled over HTTP
	URL string

	Log zerolog.Logger

	// Poll function to be called in a loop while the connection is active
	Poll func() error

	handler modbusHandler
	modbus.Client
}

func (c *Client) target() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Address
}

func (c *Client) setup() {
	if c.URL != "" {
		c.handler = NewTunnelClient(c.URL)
	} else {
		handler := modbus.NewTCPClientHandler(c.Address)
		handler.Timeout = tcpTimeout
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
}

// Dial connects once, without the reconnect loop. The caller owns Close.
func (c *Client) Dial() error {
	c.setup()
	return c.handler.Connect()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// Connect starts a background loop that connects, calls Poll until it
// fails, and reconnects until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.setup()
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	target := c.target()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			c.Log.Warn().Err(err).Str("target", target).Msg("opening connection")
			continue
		}
		if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			c.Log.Warn().Err(err).Str("target", target).Msg("watching connection")
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

// ReadWords reads quantity holding registers starting at address.
func (c *Client) ReadWords(address, quantity int) ([]uint16, error) {
	b, err := c.ReadHoldingRegisters(uint16(address), uint16(quantity))
	if err != nil {
		return nil, err
	}
	return BytesToWords(b), nil
}

// WriteWords writes values as one batch starting at address.
func (c *Client) WriteWords(address int, values []uint16) error {
	_, err := c.WriteMultipleRegisters(uint16(address), uint16(len(values)), WordsToBytes(values))
	return err
}

// BytesToWords decodes big-endian register bytes.
func BytesToWords(bs []byte) []uint16 {
	out := make([]uint16, len(bs)/2)
	for i := range out {
		out[i] = uint16(bs[2*i])<<8 | uint16(bs[2*i+1])
	}
	return out
}

// WordsToBytes encodes registers big-endian.
func WordsToBytes(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, w := range words {
		out[2*i] = byte(w >> 8)
		out[2*i+1] = byte(w)
	}
	return out
}
