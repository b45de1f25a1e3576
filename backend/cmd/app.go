package main

import (
	"context"
	"os"
	"sync"

	"github.com/adwski/signal-relay/backend/config"
	"github.com/adwski/signal-relay/backend/metrics"
	httpServer "github.com/adwski/signal-relay/backend/server/http"
	websocketServer "github.com/adwski/signal-relay/backend/server/websocket"
	"github.com/adwski/signal-relay/backend/service"
	store "github.com/adwski/signal-relay/backend/storage/memory"
	sw "github.com/adwski/signal-relay/backend/switch"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.Level()).With().Str("service", cfg.ServiceName).Logger()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	registry := store.NewRegistry()
	svc := service.NewService(service.Config{
		Logger:    &logger,
		Registry:  registry,
		RoomStore: store.NewRoomStore(),
		Switch: sw.NewSwitch(sw.Config{
			Logger:   &logger,
			Registry: registry,
			Metrics:  m,
		}),
		Metrics:           m,
		ICEServers:        cfg.WebRTCICEServers(),
		UnknownTypePolicy: cfg.UnknownTypePolicy,
		ClearPeerRoom:     cfg.ClearPeerRoom,
		CloseSuperseded:   cfg.CloseSuperseded,
		SweepInterval:     cfg.SweepInterval,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:            &logger,
		SignalingService:  svc,
		Metrics:           m,
		AllowAnonymous:    cfg.AllowAnonymous,
		PingInterval:      cfg.PingInterval,
		IdleTimeout:       cfg.IdleTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		SendQueueSize:     cfg.SendQueueSize,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		WebSocket:        wsSrv,
		Metrics:          m.Handler(),
		ListenAddr:       cfg.Addr(),
		ServiceName:      cfg.ServiceName,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	})

	// hub outlives the listener so sessions closed during shutdown can still unregister
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubWg := &sync.WaitGroup{}
	hubWg.Add(1)
	go svc.Run(hubCtx, hubWg)

	srvCtx, srvCancel := context.WithCancel(context.Background())
	var (
		srvWg = &sync.WaitGroup{}
		errc  = make(chan error, 1)
	)
	srvWg.Add(1)
	go httpSrv.Run(srvCtx, srvWg, errc)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			srvCancel()
			srvWg.Wait()
			hubCancel()
			hubWg.Wait()
		})
	}

	go func() {
		if sErr := <-errc; sErr != nil {
			logger.Error().Err(sErr).Msg("unexpected server error, shutting down")
			stop()
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"signal-relay": func(context.Context) error {
				logger.Warn().Msg("interrupted, shutting down")
				stop()
				return nil
			},
		},
	)
	exitCode := <-wait
	logger.Info().Int("code", exitCode).Msg("exited")
	os.Exit(exitCode)
}
