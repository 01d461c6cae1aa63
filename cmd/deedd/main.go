package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deedvault/config"
	"deedvault/core"
	"deedvault/crypto"
	"deedvault/gateway"
	"deedvault/gateway/middleware"
	"deedvault/observability/logging"
	"deedvault/rpc"
	"deedvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DEED_ENV"))
	logger := logging.Setup("deedd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystore, os.Getenv("DEED_KEYSTORE_PASSPHRASE"))
	if err != nil {
		logger.Error("Failed to load operator keystore", slog.Any("error", err))
		os.Exit(1)
	}

	seller, inspector, lender, err := cfg.Parties()
	if err != nil {
		logger.Error("Failed to resolve parties", slog.Any("error", err))
		os.Exit(1)
	}

	allocations, err := parseAllocations(cfg.GenesisAllocations)
	if err != nil {
		logger.Error("Failed to parse genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, core.Parties{
		Seller:    seller,
		Inspector: inspector,
		Lender:    lender,
	}, allocations)
	if err != nil {
		logger.Error("Failed to create node", slog.Any("error", err))
		os.Exit(1)
	}
	vault := node.EscrowVaultAddress()
	logger.Info("Node ready",
		slog.String("network", cfg.NetworkName),
		slog.String("operator", operatorKey.PubKey().Address().String()),
		slog.String("seller", crypto.MustNewAddress(crypto.DeedPrefix, seller[:]).String()),
		slog.String("vault", crypto.MustNewAddress(crypto.DeedPrefix, vault[:]).String()),
	)

	rpcServer := rpc.NewServer(node)
	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- rpcServer.Start(cfg.RPCAddress)
	}()
	logger.Info("JSON-RPC listening", slog.String("addr", cfg.RPCAddress))

	gatewayHandler, err := gateway.New(gateway.Config{
		Node: node,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Gateway.AuthEnabled,
			HMACSecret: cfg.Gateway.JWTSecret,
			Issuer:     cfg.Gateway.JWTIssuer,
		}, nil),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"read":  {RequestsPerMinute: cfg.Gateway.ReadRatePerMinute, Burst: cfg.Gateway.ReadBurst},
			"write": {RequestsPerMinute: cfg.Gateway.WriteRatePerMinute, Burst: cfg.Gateway.WriteBurst},
		}),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			Enabled:     cfg.Gateway.ObservabilityEnabled,
			LogRequests: cfg.Gateway.LogRequests,
		}, nil),
	})
	if err != nil {
		logger.Error("Failed to build gateway", slog.Any("error", err))
		os.Exit(1)
	}
	gatewayServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           gatewayHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- gatewayServer.ListenAndServe()
	}()
	logger.Info("Gateway listening", slog.String("addr", cfg.Gateway.ListenAddress))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-rpcErr:
		if err != nil {
			logger.Error("JSON-RPC server failed", slog.Any("error", err))
		}
	case err := <-gatewayErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown failed", slog.Any("error", err))
	}
}

func parseAllocations(accounts []config.GenesisAccount) ([]core.GenesisAllocation, error) {
	out := make([]core.GenesisAllocation, 0, len(accounts))
	for _, account := range accounts {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(account.Address))
		if err != nil {
			return nil, fmt.Errorf("allocation %q: %w", account.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return nil, fmt.Errorf("allocation %q: invalid balance %q", account.Address, account.Balance)
		}
		out = append(out, core.GenesisAllocation{Address: addr, Balance: balance})
	}
	return out, nil
}
