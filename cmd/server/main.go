package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/broker"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/fare"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/trips"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var reg registry.Registry
	if cfg.RedisAddr != "" {
		reg = registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		reg = registry.NewIndex()
	}

	var (
		store     trips.Store
		payStore  payments.Store
		discounts fare.DiscountSource
	)
	if cfg.PGDSN != "" {
		ps, err := trips.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := runMigrations(ps.DB()); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = ps
		payStore = payments.NewPostgresStore(ps.DB())
		discounts = fare.NewPostgresDiscounts(ps.DB())
	} else {
		store = trips.NewMemoryStore()
		payStore = payments.NewMemoryStore()
		discounts = fare.NewMemoryDiscounts()
	}

	calc := fare.NewCalculator(cfg.DefaultPricePerKm, discounts)
	calc.SetRate(models.TripIntercity, cfg.DefaultPricePerKm*1.5)
	calc.SetRate(models.TripShared, cfg.DefaultPricePerKm*0.7)
	calc.SetRate(models.TripEconomy, cfg.DefaultPricePerKm*0.8)
	if ps, ok := store.(*trips.PostgresStore); ok {
		if err := loadTariffs(ps.DB(), calc); err != nil {
			logger.Warn("tariff load failed, using defaults", "error", err)
		}
	}

	var charger payments.Charger
	if os.Getenv("STRIPE_API_KEY") != "" {
		charger = payments.NewStripeClient()
	}
	paySvc := payments.NewService(payStore, charger, cfg.PlatformFeeRate)

	tripSvc := trips.NewService(store, calc, paySvc, logger)
	b := broker.New(reg, store, store, broker.Config{
		OfferTTL:       cfg.OfferTTL,
		SearchRadiusM:  cfg.SearchRadiusM,
		MaxStaleness:   cfg.MaxStaleness,
		CandidateLimit: cfg.CandidateLimit,
	}, logger)
	tripSvc.SetBroker(b)

	wsReg := dispatch.NewWSRegistry()
	b.SetNotifier(wsReg)

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Error("auth setup failed", "error", err)
		os.Exit(1)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	srv := httpapi.NewServer(tripSvc, b, reg, kp, wsReg, verifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go b.Run(ctx, cfg.SweepInterval)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// loadTariffs overrides configured per-km rates with tariff table rows.
func loadTariffs(db *sql.DB, calc *fare.Calculator) error {
	rows, err := db.Query(`SELECT trip_type, price_per_km FROM tariffs`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var perKm float64
		if err := rows.Scan(&t, &perKm); err != nil {
			return err
		}
		calc.SetRate(models.TripType(t), perKm)
	}
	return rows.Err()
}

func runMigrations(db *sql.DB) error {
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
