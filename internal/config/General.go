package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lsv/internal/utils"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// VaultAddress identifies the vault this daemon manages.
	VaultAddress common.Address
	// FeeRecipient receives the fee shares minted on every profitable harvest.
	FeeRecipient common.Address
	// FeePercent is the harvest fee in basis points.
	FeePercent uint16
	// Capacity caps total assets. Zero means unlimited.
	Capacity math.Int
	// ExitQueueUpdateDelay is the minimum time between two exit queue settlements.
	ExitQueueUpdateDelay time.Duration

	// KeeperAddress is the address the oracles sign typed data for.
	KeeperAddress common.Address
	// ChainID is the chain id bound into the signing domain.
	ChainID uint64
	// OracleAddresses is the configured oracle set.
	OracleAddresses []common.Address
	// RequiredOracles is the signature quorum for a rewards update.
	RequiredOracles int
	// RewardsDelay is the minimum time between two rewards updates.
	RewardsDelay time.Duration
	// MaxAvgRewardPerSecond bounds the average reward rate an update may claim.
	MaxAvgRewardPerSecond uint64

	// MaintenanceInterval is the period of the settlement and health loop.
	MaintenanceInterval time.Duration

	// LogLevel is the zerolog level name.
	LogLevel string
	// LogFile optionally mirrors console logs to a file.
	LogFile string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// LOG_LEVEL, LOG_FILE, VAULT_CAPACITY and MAINTENANCE_INTERVAL are optional.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	if VaultAddress, err = getEnvAsAddress("VAULT_ADDRESS"); err != nil {
		return err
	}
	if FeeRecipient, err = getEnvAsAddress("FEE_RECIPIENT"); err != nil {
		return err
	}
	if FeePercent, err = getEnvAsUint16("FEE_PERCENT_BPS"); err != nil {
		return err
	}
	if Capacity, err = getEnvAsAmountOrDefault("VAULT_CAPACITY", math.ZeroInt()); err != nil {
		return err
	}
	if ExitQueueUpdateDelay, err = getEnvAsDuration("EXIT_QUEUE_UPDATE_DELAY"); err != nil {
		return err
	}

	if KeeperAddress, err = getEnvAsAddress("KEEPER_ADDRESS"); err != nil {
		return err
	}
	if ChainID, err = getEnvAsUint64("CHAIN_ID"); err != nil {
		return err
	}
	if OracleAddresses, err = getEnvAsAddressList("ORACLE_ADDRESSES"); err != nil {
		return err
	}
	if RequiredOracles, err = getEnvAsInt("REQUIRED_ORACLES"); err != nil {
		return err
	}
	if RewardsDelay, err = getEnvAsDuration("REWARDS_DELAY"); err != nil {
		return err
	}
	if MaxAvgRewardPerSecond, err = getEnvAsUint64("MAX_AVG_REWARD_PER_SECOND"); err != nil {
		return err
	}

	if MaintenanceInterval, err = getEnvAsDurationOrDefault("MAINTENANCE_INTERVAL", time.Minute); err != nil {
		return err
	}
	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	LogFile = getEnvOrDefault("LOG_FILE", "")

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("VaultAddress", VaultAddress.Hex()).
		Uint64("ChainID", ChainID).
		Int("Oracles", len(OracleAddresses)).
		Int("RequiredOracles", RequiredOracles).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

func getEnvOrDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsUint16(key string) (uint16, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 16)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint16, got: " + valueStr)
	}
	return uint16(value), nil
}

func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration accepts Go duration strings such as "12h" or "90s".
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value < 0 {
		return 0, errors.New("environment variable " + key + " must be a non-negative duration, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsDurationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	if getEnvOrDefault(key, "") == "" {
		return fallback, nil
	}
	value, err := getEnvAsDuration(key)
	if err == nil && value == 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration")
	}
	return value, err
}

func getEnvAsAddress(key string) (common.Address, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return common.Address{}, err
	}
	return parseAddress(key, valueStr)
}

// getEnvAsAddressList reads a comma separated list of addresses.
func getEnvAsAddressList(key string) ([]common.Address, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return nil, err
	}
	var addrs []common.Address
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := parseAddress(key, part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("environment variable " + key + " must list at least one address")
	}
	return addrs, nil
}

func getEnvAsAmountOrDefault(key string, fallback math.Int) (math.Int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback, nil
	}
	value, err := utils.ParseAmount(valueStr)
	if err != nil {
		return math.Int{}, errors.New("environment variable " + key + " must be a non-negative integer, got: " + valueStr)
	}
	return value, nil
}

func parseAddress(key, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("environment variable " + key + " must be a hex address, got: " + value)
	}
	return common.HexToAddress(value), nil
}
