package config

// Package config provides a reusable loader for Synnergy configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Synnergy node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id" yaml:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id" yaml:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers" yaml:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file" yaml:"genesis_file"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled" yaml:"rpc_enabled"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port" yaml:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag" yaml:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers" yaml:"bootstrap_peers"`
		TokenSymbol    string   `mapstructure:"token_symbol" json:"token_symbol" yaml:"token_symbol"`
		TokenName      string   `mapstructure:"token_name" json:"token_name" yaml:"token_name"`
		Decimals       int      `mapstructure:"decimals" json:"decimals" yaml:"decimals"`
		InitialSupply  string   `mapstructure:"initial_supply" json:"initial_supply" yaml:"initial_supply"`
	} `mapstructure:"network" json:"network" yaml:"network"`

	Consensus struct {
		Type               string  `mapstructure:"type" json:"type" yaml:"type"`
		Algorithm          string  `mapstructure:"algorithm" json:"algorithm" yaml:"algorithm"`
		BlockTimeMS        int     `mapstructure:"block_time_ms" json:"block_time_ms" yaml:"block_time_ms"`
		ValidatorsRequired int     `mapstructure:"validators_required" json:"validators_required" yaml:"validators_required"`
		MinStake           string  `mapstructure:"min_stake" json:"min_stake" yaml:"min_stake"`
		RewardRate         float64 `mapstructure:"reward_rate" json:"reward_rate" yaml:"reward_rate"`
	} `mapstructure:"consensus" json:"consensus" yaml:"consensus"`

	Blockchain struct {
		BlockTimeMS             int    `mapstructure:"block_time_ms" json:"block_time_ms" yaml:"block_time_ms"`
		MaxTransactionsPerBlock int    `mapstructure:"max_transactions_per_block" json:"max_transactions_per_block" yaml:"max_transactions_per_block"`
		MaxGasPerBlock          uint64 `mapstructure:"max_gas_per_block" json:"max_gas_per_block" yaml:"max_gas_per_block"`
	} `mapstructure:"blockchain" json:"blockchain" yaml:"blockchain"`

	Staking struct {
		DefaultDurationBlocks  uint64  `mapstructure:"default_duration" json:"default_duration" yaml:"default_duration"`
		EarlyWithdrawalPenalty float64 `mapstructure:"early_withdrawal_penalty" json:"early_withdrawal_penalty" yaml:"early_withdrawal_penalty"`
	} `mapstructure:"staking" json:"staking" yaml:"staking"`

	VM struct {
		MaxGasPerBlock int  `mapstructure:"max_gas_per_block" json:"max_gas_per_block" yaml:"max_gas_per_block"`
		OpcodeDebug    bool `mapstructure:"opcode_debug" json:"opcode_debug" yaml:"opcode_debug"`
	} `mapstructure:"vm" json:"vm" yaml:"vm"`

	Storage struct {
		DBPath        string `mapstructure:"db_path" json:"db_path" yaml:"db_path"`
		WALPath       string `mapstructure:"wal_path" json:"wal_path" yaml:"wal_path"`
		ArchivePath   string `mapstructure:"archive_path" json:"archive_path" yaml:"archive_path"`
		Prune         bool   `mapstructure:"prune" json:"prune" yaml:"prune"`
		KeepBlocks    uint64 `mapstructure:"keep_blocks" json:"keep_blocks" yaml:"keep_blocks"`
		PruneInterval uint64 `mapstructure:"prune_interval" json:"prune_interval" yaml:"prune_interval"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// A .env file is optional; node operators may prefer plain environment
	// variables, so a missing file is not an error.
	_ = godotenv.Load(".env")

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
