package main

import (
	"context"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/elys-network/lsv/internal/config"
	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/maintenance"
	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/state"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/vault"
	"github.com/elys-network/lsv/internal/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 15 * time.Second

// main is the entry point of the vault daemon.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Initialize(config.LogLevel, config.LogFile); err != nil {
		log.Error().Err(err).Str("file", config.LogFile).Msg("Failed to open log file, logging to console only")
	}
	log.Info().Str("vault", config.VaultAddress.Hex()).Msg("Vault daemon starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := state.InitDB(config.Database); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}
	store := state.NewStore(state.DB)

	// --- 2. Keeper and vault, restored from the last committed state ---
	oracles, err := oracle.NewOracles(config.OracleAddresses, config.RequiredOracles, config.ChainID, config.KeeperAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid oracle configuration")
	}
	keeperSnapshot, err := store.LoadKeeper(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load keeper state")
	}
	keeper, err := oracle.NewKeeperRewards(oracle.Config{
		Oracles:               oracles,
		Registry:              oracle.NewStaticRegistry(config.VaultAddress),
		RewardsDelay:          config.RewardsDelay,
		MaxAvgRewardPerSecond: config.MaxAvgRewardPerSecond,
		Persister:             store,
	}, keeperSnapshot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create keeper")
	}

	vaultSnapshot, err := store.LoadVault(ctx, config.VaultAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load vault state")
	}
	// No in-process transferer: the store queues every transfer in the vault's save transaction
	// and the executor drains them through the outbox routes.
	outbox := store.NewOutbox(config.VaultAddress)
	v, err := vault.New(vault.Config{
		Params: types.VaultParams{
			Address:              config.VaultAddress,
			FeeRecipient:         config.FeeRecipient,
			FeePercent:           config.FeePercent,
			Capacity:             config.Capacity,
			ExitQueueUpdateDelay: config.ExitQueueUpdateDelay,
		},
		Keeper:    keeper,
		Persister: store,
	}, vaultSnapshot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create vault")
	}
	summary := v.Summary()
	log.Info().
		Bool("restored", vaultSnapshot != nil).
		Str("totalAssets", summary.TotalAssets.String()).
		Str("totalShares", summary.TotalShares.String()).
		Int("checkpoints", summary.Checkpoints).
		Msg("Vault ready")

	// --- 3. Start Web Server ---
	webServer := web.NewWebServer(strconv.Itoa(config.WebPort), web.Options{
		Vault:       v,
		Keeper:      keeper,
		History:     store,
		Transfers:   outbox,
		HealthCheck: state.TestDBConnection,
	})
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
			stop()
		}
	}()

	// --- 4. gRPC health service ---
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(config.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Int("port", config.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		log.Info().Int("port", config.GRPCPort).Msg("Starting gRPC health service")
		if err := grpcServer.Serve(listener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
			stop()
		}
	}()

	// --- 5. Maintenance loop ---
	maintainer, err := maintenance.New(maintenance.Config{Vault: v, Keeper: keeper, Transfers: outbox})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create maintainer")
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		maintainer.RunLoop(ctx, config.MaintenanceInterval)
	}()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	<-ctx.Done()

	// --- 6. Graceful shutdown ---
	log.Info().Msg("Shutdown signal received, stopping services...")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	grpcServer.GracefulStop()
	<-loopDone

	log.Info().Msg("Vault daemon stopped")
}
