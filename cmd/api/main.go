package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"auth9.org/internal/audit"
	"auth9.org/internal/cache"
	"auth9.org/internal/exchange"
	"auth9.org/internal/httpapi"
	"auth9.org/internal/identity"
	"auth9.org/internal/obs"
	"auth9.org/internal/policy"
	"auth9.org/internal/ratelimit"
	"auth9.org/internal/rbac"
	"auth9.org/internal/store/pg"
	"auth9.org/internal/tenant"
	"auth9.org/internal/token"
)

var version = "0.3.0"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	obs.Init()

	secret := os.Getenv("AUTH9_JWT_SECRET")
	if secret == "" {
		log.Fatal("missing AUTH9_JWT_SECRET")
	}
	dsn := os.Getenv("AUTH9_PG_DSN")
	if dsn == "" {
		log.Fatal("missing AUTH9_PG_DSN")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	// RS256 when a PEM keypair is provided, HS256 on the shared secret
	// otherwise.
	var codecOpts []token.Option
	if privPath := os.Getenv("AUTH9_JWT_PRIVATE_KEY"); privPath != "" {
		priv, err := os.ReadFile(privPath)
		if err != nil {
			log.Fatalf("read private key: %v", err)
		}
		pub, err := os.ReadFile(os.Getenv("AUTH9_JWT_PUBLIC_KEY"))
		if err != nil {
			log.Fatalf("read public key: %v", err)
		}
		codecOpts = append(codecOpts, token.WithRSAKeyPair(priv, pub))
	}
	codec, err := token.NewCodec(envOr("AUTH9_ISSUER", "auth9"), secret, codecOpts...)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	resolutions, err := cache.NewResolutions(envInt("AUTH9_CACHE_SIZE", 4096))
	if err != nil {
		log.Fatalf("resolution cache: %v", err)
	}

	recorder := audit.NewRecorder(store)
	identitySvc := identity.NewService(store, codec)
	tenantSvc := tenant.NewService(store)
	rbacSvc := rbac.NewService(store, rbac.WithInvalidator(resolutions))
	policySvc := policy.NewService(store, recorder)
	exchangeSvc := exchange.NewService(codec, tenantSvc, rbacSvc, policySvc, recorder,
		exchange.WithCache(resolutions),
		exchange.WithTimeout(time.Duration(envInt("AUTH9_EXCHANGE_TIMEOUT_MS", 2000))*time.Millisecond))

	// Per-second admission limit. Redis gives a shared window across
	// replicas; without it each process falls back to a local bucket.
	rps := envInt("AUTH9_RATE_LIMIT_RPS", 50)
	local := ratelimit.NewLocal(rps, rps*2)
	defer local.Close()
	var limiter ratelimit.Limiter = local
	if addr := os.Getenv("AUTH9_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		limiter = ratelimit.NewRedis(client, rps, time.Second, limiter)
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe: httpapi.ReadyProbe{DB: store.DB()},
		Version:    version,
		Codec:      codec,
		Identity:   identitySvc,
		Tenants:    tenantSvc,
		RBAC:       rbacSvc,
		Policies:   policySvc,
		Exchange:   exchangeSvc,
		Limiter:    limiter,
	})

	srv := &http.Server{
		Addr:              envOr("AUTH9_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting auth9-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
