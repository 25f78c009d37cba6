package modbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goburrow/modbus"
)

// SendResponse is the body of a tunnelled ADU exchange.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// TunnelHandler serves Modbus ADUs posted over HTTP against the same store
// as the TCP listener, for control rooms that can only reach the emulator
// through an HTTP proxy. Requests are refused while a TCP client is
// connected.
func (s *Server) TunnelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		err := func() error {
			aduRequest, err := io.ReadAll(io.LimitReader(r.Body, maxADULength+1))
			if err != nil {
				return err
			}
			var resp SendResponse
			if s.connected() {
				resp.Error = ErrClientConnected.Error()
			} else if len(aduRequest) > maxADULength {
				resp.Error = fmt.Sprintf("%v: %d bytes", ErrBadFrame, len(aduRequest))
			} else if resp.ADUResponse, err = s.Handle(aduRequest); err != nil {
				resp.Error = err.Error()
			}
			body, err := json.Marshal(&resp)
			if err != nil {
				return err
			}
			w.Header().Set("Content-Type", "application/json")
			_, err = w.Write(body)
			return err
		}()
		if err != nil {
			s.Log.Warn().Err(err).Msg("tunnel request")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// TunnelClient is a modbus.ClientHandler that sends each ADU as an HTTP
// POST to a TunnelHandler.
type TunnelClient struct {
	*modbus.TCPClientHandler

	baseURL string
	http    *http.Client
}

// NewTunnelClient returns a handler posting to baseURL.
func NewTunnelClient(baseURL string) *TunnelClient {
	handler := modbus.NewTCPClientHandler("")
	handler.SlaveId = 1
	return &TunnelClient{
		TCPClientHandler: handler,
		baseURL:          baseURL,
		http:             &http.Client{Timeout: tcpTimeout},
	}
}

func (c *TunnelClient) Send(aduRequest []byte) ([]byte, error) {
	resp, err := c.http.Post(c.baseURL, "application/octet-stream", bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *TunnelClient) Connect() error {
	return nil
}

func (c *TunnelClient) Close() error {
	return nil
}
