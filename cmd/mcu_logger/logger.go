// Command mcu_logger records the emulator's status stream into InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/rs/zerolog"

	"github.com/w1xm/mcu_simulator/internal/config"
	"github.com/w1xm/mcu_simulator/internal/logging"
)

var (
	configFile = flag.String("config", "", "config file (default ./mcu_sim.{yaml,json,toml} if present)")
	statusURL  = flag.String("url", "", "websocket URL of the emulator status stream")
)

// recordFunc stores one flattened status.
type recordFunc func(fields map[string]interface{}, ts time.Time)

func main() {
	flag.Parse()
	if err := config.Load(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *statusURL != "" {
		config.Set("logger.url", *statusURL)
	}
	log, err := logging.New(config.GetString("log.level"), config.GetString("log.format"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := influxdb2.NewClient(config.GetString("influx.server"), config.GetString("influx.token"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(config.GetString("influx.org"), config.GetString("influx.bucket"))
	defer writeApi.Close()
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			log.Error().Err(err).Msg("influx write")
		}
	}()

	measurement := config.GetString("influx.measurement")
	record := func(fields map[string]interface{}, ts time.Time) {
		writeApi.WritePoint(influxdb2.NewPoint(measurement, nil, fields, ts))
	}
	url := config.GetString("logger.url")
	retry := config.GetDuration("logger.retry")
	for ctx.Err() == nil {
		if err := logData(ctx, url, record, log); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("url", url).Msg("status stream")
		}
		writeApi.Flush()
		select {
		case <-ctx.Done():
		case <-time.After(retry):
		}
	}
	log.Info().Msg("logger stopped")
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}

// logData records every status read from url until the stream fails or ctx
// is done.
func logData(ctx context.Context, url string, record recordFunc, log zerolog.Logger) error {
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", url).Msg("connected to status stream")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		if len(fields) == 0 {
			continue
		}
		record(fields, time.Now())
	}
}
