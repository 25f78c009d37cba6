// Command mcu_sim emulates the telescope's motion-controller unit for the
// control room software.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mcu_simulator/axis"
	"github.com/w1xm/mcu_simulator/controller"
	"github.com/w1xm/mcu_simulator/internal/config"
	"github.com/w1xm/mcu_simulator/internal/logging"
	"github.com/w1xm/mcu_simulator/internal/metrics"
	"github.com/w1xm/mcu_simulator/internal/modbus"
	"github.com/w1xm/mcu_simulator/mcu"
	"github.com/w1xm/mcu_simulator/sim"
)

var (
	configFile  = flag.String("config", "", "config file (default ./mcu_sim.{yaml,json,toml} if present)")
	modbusAddr  = flag.String("modbus_addr", "", "Modbus/TCP address to listen on")
	httpAddr    = flag.String("http_addr", "", "HTTP address to listen on")
	rotctldAddr = flag.String("rotctld_addr", "", "rotctld address to listen on")
	staticDir   = flag.String("static_dir", "", "directory of static files to serve at /")
)

func loadConfig() error {
	if err := config.Load(*configFile); err != nil {
		return err
	}
	for key, value := range map[string]string{
		"modbus.address":  *modbusAddr,
		"http.address":    *httpAddr,
		"rotctld.address": *rotctldAddr,
	} {
		if value != "" {
			config.Set(key, value)
		}
	}
	return nil
}

func simConfig() sim.Config {
	return sim.Config{
		Tick:     config.GetDuration("sim.tick"),
		Latitude: config.GetFloat64("site.latitude"),
		Controller: controller.Config{
			Azimuth:   config.GetFloat64("sim.azimuth"),
			Elevation: config.GetFloat64("sim.elevation"),
			Default: axis.Profile{
				MaxSpeed: config.GetFloat64("sim.defaultSpeed"),
				Accel:    config.GetFloat64("sim.defaultAccel"),
				Decel:    config.GetFloat64("sim.defaultDecel"),
			},
		},
	}
}

func newRouter(server *Server, mb *modbus.Server, m *metrics.Collector) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/status", http.HandlerFunc(server.StatusHandler)).Methods(http.MethodGet)
	r.Handle("/api/test_move", http.HandlerFunc(server.TestMoveHandler)).Methods(http.MethodPost)
	r.Handle("/api/ws", http.HandlerFunc(server.StatusSocketHandler))
	r.Handle("/api/modbus", mb.TunnelHandler())
	r.Handle("/metrics", m.Handler())
	if *staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(*staticDir)))
	}
	return r
}

func run(ctx context.Context, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	store := mcu.NewStore()
	mb := modbus.NewServer(config.GetString("modbus.address"), store, log, m)
	simulator := sim.New(simConfig(), store, mb, log, m)
	server := NewServer(simulator, log)
	simulator.StatusCallback = server.statusCallback

	if addr := config.GetString("rotctld.address"); addr != "" {
		if _, err := server.ListenRotctld(ctx, addr); err != nil {
			return fmt.Errorf("rotctld: %w", err)
		}
	}

	srv := &http.Server{
		Handler:      newRouter(server, mb, m),
		Addr:         config.GetString("http.address"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := simulator.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("address", srv.Addr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	flag.Parse()
	if err := loadConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(config.GetString("log.level"), config.GetString("log.format"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("mcu_sim failed")
	}
}
