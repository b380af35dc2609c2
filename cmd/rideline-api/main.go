// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rideline/internal/config"
	httptransport "rideline/internal/http"
	"rideline/internal/infra"
	"rideline/internal/modules/booking"
	"rideline/internal/modules/dispatch"
	"rideline/internal/modules/events"
	"rideline/internal/modules/otp"
	"rideline/internal/modules/presence"
	"rideline/internal/modules/pricing"
)

const (
	arrivalCheckInterval = 30 * time.Second
	otpPurgeInterval     = time.Minute
	shutdownTimeout      = 10 * time.Second
)

type backends struct {
	bookings booking.Store
	offers   dispatch.Store
	pool     dispatch.Pool
	otps     otp.Store

	// memOTP is set only for the memory backend, which needs an explicit purger.
	memOTP  *otp.MemoryStore
	closers []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		logger.Fatal("RIDELINE_FIREBASE_PROJECT_ID is required")
	}
	fbApp, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Fatal("firebase init", zap.Error(err))
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, fbApp)
	if err != nil {
		logger.Fatal("firebase auth init", zap.Error(err))
	}
	var pusher infra.Pusher
	if cfg.Firebase.PushEnabled {
		if pusher, err = infra.NewFCMPusher(ctx, fbApp); err != nil {
			logger.Fatal("fcm init", zap.Error(err))
		}
	}

	pricingSvc := pricing.NewService(cfg.Pricing)
	be, err := openBackends(ctx, cfg, pricingSvc, logger)
	if err != nil {
		logger.Fatal("storage init", zap.Error(err))
	}
	defer func() {
		for _, c := range be.closers {
			c()
		}
	}()

	bookingSvc := booking.NewService(be.bookings, pricingSvc, otp.NewGate(be.otps), logger.Named("booking"))
	hub := presence.NewHub(logger.Named("ws"))
	presenceSvc := presence.NewService(hub, bookingSvc, pusher, logger.Named("presence"))
	engine := dispatch.NewEngine(be.offers, be.pool, bookingSvc, presenceSvc, cfg.Dispatch, logger.Named("dispatch"))
	presenceSvc.Bind(engine)
	otpSvc := otp.NewService(be.otps, bookingSvc, presenceSvc, cfg.OTP, logger.Named("otp"))

	bookingSvc.Subscribe(engine)
	bookingSvc.Subscribe(otpSvc)
	bookingSvc.Subscribe(presenceSvc)

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		writer := infra.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		be.closers = append(be.closers, func() { _ = writer.Close() })
		publisher := events.NewKafkaPublisher(writer, logger.Named("events"))
		bookingSvc.Subscribe(publisher)
		run(publisher.Run)
	}

	run(engine.RunSweeper)
	run(func(ctx context.Context) {
		bookingSvc.RunTimeoutMonitor(ctx, arrivalCheckInterval, cfg.Dispatch.ArrivalTimeout)
	})
	if be.memOTP != nil {
		run(func(ctx context.Context) {
			otp.RunPurger(ctx, be.memOTP, otpPurgeInterval, logger)
		})
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:    bookingSvc,
		Quoter:   pricingSvc,
		OTPs:     otpSvc,
		Dispatch: engine,
		Relay:    presenceSvc,
		Socket:   hub,
		Verifier: verifier,
		Log:      logger.Named("http"),
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("rideline api listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Backend),
		zap.String("dispatch_policy", cfg.Dispatch.Policy),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
	stop()
	wg.Wait()
}

func openBackends(ctx context.Context, cfg config.Config, pricingSvc *pricing.Service, logger *zap.Logger) (*backends, error) {
	if cfg.Store.Backend == config.BackendMemory {
		mem := otp.NewMemoryStore()
		return &backends{
			bookings: booking.NewMemoryStore(),
			offers:   dispatch.NewMemoryStore(),
			pool:     dispatch.NewMemoryPool(),
			otps:     mem,
			memOTP:   mem,
		}, nil
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := pricingSvc.LoadOverrides(ctx, pricing.NewStore(db)); err != nil {
		logger.Warn("vehicle rate overrides not loaded, using defaults", zap.Error(err))
	}
	return &backends{
		bookings: booking.NewPGStore(db),
		offers:   dispatch.NewRedisStore(rdb),
		pool:     dispatch.NewRedisPool(rdb),
		otps:     otp.NewRedisStore(rdb),
		closers:  []func(){db.Close, func() { _ = rdb.Close() }},
	}, nil
}
