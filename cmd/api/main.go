package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/auth"
	"adhesion.org/internal/config"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/events"
	"adhesion.org/internal/httpapi"
	"adhesion.org/internal/member"
	"adhesion.org/internal/obs"
	"adhesion.org/internal/referral"
	"adhesion.org/internal/store/memory"
	"adhesion.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend interface {
	Dues() dues.Store
	Referrals() referral.Store
	Members() member.Store
	Audit() audit.Store
}

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("log level")
	}
	log = obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store backend
		ready httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer db.Close()
		store, ready = db, httpapi.ReadyProbe{Check: db.Ping}
	} else {
		log.Warn().Msg("ADHESION_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	hub := events.NewHub()
	pub := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = append(pub, kp)
	}

	refs := referral.NewService(store.Referrals(),
		referral.WithDefaults(cfg.Referral.BasePoints, cfg.Referral.PaymentPoints),
		referral.WithPublisher(pub),
	)
	members := member.NewService(store.Members(),
		member.WithLinker(func(ctx context.Context, sponsorCode, refereeID string) error {
			_, err := refs.CreateLink(ctx, sponsorCode, refereeID)
			return err
		}),
	)
	ledger := dues.NewService(store.Dues(),
		dues.WithPublisher(pub),
		dues.WithLocation(cfg.Location),
		dues.WithBonusHook(func(ctx context.Context, memberID string) error {
			_, err := refs.GrantPaymentBonus(ctx, memberID)
			return err
		}),
	)

	signer, err := auth.NewSigner(cfg.AuthSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("token signer")
	}

	api := httpapi.New(httpapi.Deps{
		Members:        members,
		Dues:           ledger,
		Referrals:      refs,
		Audit:          store.Audit(),
		Hub:            hub,
		Signer:         signer,
		WebhookSecret:  cfg.WebhookSecret,
		Ready:          ready,
		Version:        version,
		TokenTTL:       cfg.TokenTTL,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     float64(cfg.RatePerSec),
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(ctx),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/events holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("adhesion-api starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
