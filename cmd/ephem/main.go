package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ephem/cfg"
	"ephem/svc/api"
	"ephem/svc/auth"
	"ephem/svc/db"
	"ephem/svc/lim"
	"ephem/svc/svc"
	"ephem/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting ephem API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pepper := []byte(c.Pepper.Value())
	if len(pepper) == 0 {
		pepper, err = auth.RandomPepper()
		if err != nil {
			util.Fatal().Err(err).Msg("failed to generate pepper")
			os.Exit(1)
		}
		util.Warn().Msg("PEPPER not set, using a random one; password hashes will not survive a restart")
	}
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	mem, err := db.NewMemory(c.LRUCacheSize, c.SweepThreshold)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create in-process store")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("in-process store initialized")
	sel := db.NewSelector(c, mem)
	defer sel.Close()
	if r, ok := c.Remote(); ok {
		util.Info().Str("remote", r.Name).Str("url", util.RedactURL(r.URL)).Msg("remote store configured")
	}
	util.Info().Str("backend", string(sel.Current(ctx))).Msg("storage selected")

	acct := svc.NewAccount(sel)
	pasteSvc := svc.NewPaste(sel, acct, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, sel, c.TrustedProxies)
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	svc.StartSweeper(ctx, sel.Memory(), c.SweepInterval)

	server := api.NewServer(c, pasteSvc, acct, hasher, limiter, sel)
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	util.Info().Msg("Shutdown complete")
}

// healthCheck probes the local server for container health checks.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/api/healthz")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
