package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/engine"
	"github.com/rtcmesh/signaling/backend/metrics"
	httpServer "github.com/rtcmesh/signaling/backend/server/http"
	websocketServer "github.com/rtcmesh/signaling/backend/server/websocket"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		pingInterval    = fs.Duration("ping-interval", 5*time.Second, "heartbeat ping interval")
		pongTimeout     = fs.Duration("pong-timeout", 3*time.Second, "heartbeat pong timeout")
		maxFailedPings  = fs.Int("max-failed-pings", 3, "failed pings before forced disconnect")
		maxParticipants = fs.Int("max-participants", 256, "default room participant limit")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	mtr := metrics.New()
	eng := engine.New(engine.Config{
		Logger:                 &logger,
		Metrics:                mtr,
		PingInterval:           *pingInterval,
		PongTimeout:            *pongTimeout,
		MaxFailedPings:         *maxFailedPings,
		DefaultMaxParticipants: *maxParticipants,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		Discovery:      eng,
		MetricsHandler: mtr.Handler(),
		ListenAddr:     *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Signaling:  eng,
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
