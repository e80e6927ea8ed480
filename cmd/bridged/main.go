// Package main runs the reserve bridge daemon:
// - Chain event ingestion (continuous): order contract subscription with
//   liveness probing and reconnect
// - Settlement: reserve adjustment plus token mint/burn per order
// - HTTP API: synchronous buy/sell entry points, health, status, metrics
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"reserve-bridge/internal/chainwatch"
	"reserve-bridge/internal/ethrpc"
	"reserve-bridge/internal/ledger"
	"reserve-bridge/internal/settlement"
	"reserve-bridge/internal/storage"
	chstore "reserve-bridge/internal/storage/clickhouse"
	"reserve-bridge/internal/storage/memory"
	"reserve-bridge/internal/storage/migrations"
	pgstore "reserve-bridge/internal/storage/postgres"
)

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("CHAIN_RPC_ENDPOINT"), "Chain RPC HTTP endpoint")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("CHAIN_WS_ENDPOINT"), "Chain RPC WebSocket endpoint")
	signerKey := flag.String("signer-key", os.Getenv("SIGNER_KEY"), "Operating signer private key (hex)")
	orderContract := flag.String("order-contract", os.Getenv("ORDER_CONTRACT"), "Order contract address")
	identityRegistry := flag.String("identity-registry", os.Getenv("IDENTITY_REGISTRY"), "Identity registry contract address")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	probeInterval := flag.Duration("probe-interval", 2*time.Minute, "Liveness probe interval")
	probeTimeout := flag.Duration("probe-timeout", 10*time.Second, "Liveness probe timeout")
	queueSize := flag.Int("queue-size", chainwatch.DefaultQueueSize, "Settlement request queue capacity")
	awaitConfirm := flag.Bool("confirm", false, "Await transaction confirmation on mint/burn")
	listenAddr := flag.String("listen-addr", ":8080", "HTTP API listen address")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[bridged] ", log.LstdFlags|log.Lshortfile)

	// Validate required flags
	if *rpcEndpoint == "" {
		logger.Fatal("--rpc-endpoint is required")
	}
	if *wsEndpoint == "" {
		logger.Fatal("--ws-endpoint is required")
	}
	if *orderContract == "" || !common.IsHexAddress(*orderContract) {
		logger.Fatal("--order-contract must be a valid address")
	}
	if *identityRegistry == "" || !common.IsHexAddress(*identityRegistry) {
		logger.Fatal("--identity-registry must be a valid address")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	signer, err := parseSignerKey(*signerKey)
	if err != nil {
		logger.Fatalf("Invalid signer key: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create stores
	reserves, journal, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Chain HTTP client: contract calls, gas estimation, liveness probes
	chainClient, err := ethclient.DialContext(ctx, *rpcEndpoint)
	if err != nil {
		logger.Fatalf("Failed to dial chain RPC: %v", err)
	}
	defer chainClient.Close()

	// Token ledger adapter
	adapter := ledger.NewAdapter(chainClient, ledger.AdapterConfig{
		Signer:            signer,
		IdentityRegistry:  common.HexToAddress(*identityRegistry),
		AwaitConfirmation: *awaitConfirm,
		Logger:            log.New(os.Stdout, "[ledger] ", log.LstdFlags|log.Lshortfile),
	})

	// Settlement coordinator
	coordinator := settlement.New(settlement.Options{
		ReserveStore: reserves,
		Ledger:       adapter,
		Journal:      journal,
		Logger:       log.New(os.Stdout, "[settlement] ", log.LstdFlags|log.Lshortfile),
	})

	// Chain event ingestor
	wsURL := *wsEndpoint
	ingestor, err := chainwatch.New(chainwatch.Options{
		Dial: func(ctx context.Context) (chainwatch.LogStream, error) {
			return ethrpc.NewWSClient(ctx, wsURL, nil)
		},
		Prober:        chainClient,
		Settler:       coordinator,
		OrderContract: common.HexToAddress(*orderContract),
		ProbeInterval: *probeInterval,
		ProbeTimeout:  *probeTimeout,
		QueueSize:     *queueSize,
		Logger:        log.New(os.Stdout, "[ingestor] ", log.LstdFlags|log.Lshortfile),
	})
	if err != nil {
		logger.Fatalf("Failed to create ingestor: %v", err)
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	// Start HTTP server
	server := newAPIServer(coordinator, ingestor, logger)
	go server.start(*listenAddr)

	// Run ingestion
	logger.Printf("Starting ingestion for order contract %s", *orderContract)
	err = ingestor.Run(ctx)
	done <- err

	if err != nil && err != context.Canceled {
		logger.Fatalf("Ingestor error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// parseSignerKey decodes a hex private key. An empty key is allowed at
// startup; the ledger adapter fails mint/burn calls with a
// SignerMisconfigured error instead.
func parseSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// createStores creates the reserve store and the settlement journal.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (storage.ReserveStore, storage.SettlementJournal, func(), error) {
	if useMemory {
		return memory.NewReserveStore(), memory.NewSettlementJournal(), func() {}, nil
	}

	// PostgreSQL: reserves
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse: settlement journal
	chConn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, chConn); err != nil {
		chConn.Close()
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return pgstore.NewReserveStore(pool), chstore.NewSettlementJournalStore(chConn), cleanup, nil
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
