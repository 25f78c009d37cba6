// Package metrics exposes the emulator's Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the emulator's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	Commands        *prometheus.CounterVec
	AxisAngle       *prometheus.GaugeVec
	AxisSpeed       *prometheus.GaugeVec
	ModbusRequests  *prometheus.CounterVec
	ClientConnected prometheus.Gauge
	TransportErrors *prometheus.CounterVec
	TestMoves       *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns
// the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error
	if c.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcu_ticks_total",
		Help: "Simulation ticks executed.",
	})); err != nil {
		return nil, err
	}
	if c.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcu_commands_total",
		Help: "Command blocks applied, labeled by decoded kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if c.AxisAngle, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcu_axis_angle_degrees",
		Help: "Current axis angle in real degrees.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.AxisSpeed, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcu_axis_speed_degrees_per_second",
		Help: "Current signed axis speed.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.ModbusRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcu_modbus_requests_total",
		Help: "Modbus requests served, labeled by function and result.",
	}, []string{"function", "result"})); err != nil {
		return nil, err
	}
	if c.ClientConnected, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcu_modbus_client_connected",
		Help: "1 while a control-room client is connected.",
	})); err != nil {
		return nil, err
	}
	if c.TransportErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcu_transport_errors_total",
		Help: "Transport faults, labeled by stage (listen, accept, read, write).",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if c.TestMoves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcu_test_moves_total",
		Help: "Operator test moves, labeled by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Tick counts one simulation tick.
func (c *Collector) Tick() {
	if c == nil {
		return
	}
	c.Ticks.Inc()
}

// Command counts an applied command of the given kind.
func (c *Collector) Command(kind string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(kind).Inc()
}

// Axis records the angle and speed of one axis.
func (c *Collector) Axis(name string, angle, speed float64) {
	if c == nil {
		return
	}
	c.AxisAngle.WithLabelValues(name).Set(angle)
	c.AxisSpeed.WithLabelValues(name).Set(speed)
}

// ModbusRequest counts a served request.
func (c *Collector) ModbusRequest(function, result string) {
	if c == nil {
		return
	}
	c.ModbusRequests.WithLabelValues(function, result).Inc()
}

// Connected reports whether a control-room client is attached.
func (c *Collector) Connected(connected bool) {
	if c == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	c.ClientConnected.Set(v)
}

// TransportError counts a transport fault at stage.
func (c *Collector) TransportError(stage string) {
	if c == nil {
		return
	}
	c.TransportErrors.WithLabelValues(stage).Inc()
}

// TestMove counts an operator test move.
func (c *Collector) TestMove(result string) {
	if c == nil {
		return
	}
	c.TestMoves.WithLabelValues(result).Inc()
}
