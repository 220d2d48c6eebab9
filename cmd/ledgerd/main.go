// Command ledgerd runs a standalone proof-of-stake ledger node: it loads
// configuration, opens (or creates) the durable block store, and serves the
// read-only query API while producing blocks on a fixed interval.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cmdconfig "synnergy-network/cmd/config"
	"synnergy-network/cmd/ledgerd/api"
	"synnergy-network/core"
	"synnergy-network/pkg/config"
	"synnergy-network/pkg/utils"
)

var (
	envFlag       string
	walFlag       string
	listenFlag    string
	configOutFlag string
	keyFlag       string
	heightFlag    uint64
	archiveFlag   string
	keepFlag      uint64
	intervalFlag  uint64
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Synnergy ledger engine node",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger node: produce blocks and serve the read API",
	RunE:  runNode,
}

var produceBlockCmd = &cobra.Command{
	Use:   "produce-block",
	Short: "Produce a single block against the WAL-backed store and exit",
	RunE:  produceBlock,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one pruning pass against the WAL-backed store and exit",
	RunE:  runPrune,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "write a default config.yaml an operator can edit before first run",
	RunE:  initConfig,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, produceBlockCmd, pruneCmd} {
		c.Flags().StringVar(&envFlag, "env", "", "environment overlay to merge (SYNN_ENV if empty)")
		c.Flags().StringVar(&walFlag, "wal", "data/ledger.wal", "path to the block store's write-ahead log")
	}
	for _, c := range []*cobra.Command{runCmd, produceBlockCmd} {
		c.Flags().StringVar(&keyFlag, "key", "", "hex-encoded secp256k1 validator signing key (SYNN_SIGNING_KEY if empty; a random key is generated otherwise)")
	}
	runCmd.Flags().StringVar(&listenFlag, "listen", ":8080", "read API listen address")
	produceBlockCmd.Flags().Uint64Var(&heightFlag, "at", 0, "unix timestamp to stamp the produced block with (defaults to now)")
	pruneCmd.Flags().StringVar(&archiveFlag, "archive", "data/archive", "directory archived blocks are written to")
	pruneCmd.Flags().Uint64Var(&keepFlag, "keep-blocks", 100_000, "number of most recent blocks to retain in the hot store")
	pruneCmd.Flags().Uint64Var(&intervalFlag, "interval", 10_000, "extra blocks kept behind --keep-blocks: blocks at or below height-keep-interval are archived (passes are not spaced by this value)")
	initConfigCmd.Flags().StringVar(&configOutFlag, "out", "cmd/config/default.yaml", "path to write the generated config")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(produceBlockCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig centralizes the config.Load + level-parsing dance shared by
// every subcommand that touches the ledger. It goes through cmd/config's
// LoadConfig/AppConfig rather than calling pkg/config.Load directly; that
// wrapper panics on a load failure, which this recovers from so a missing
// config file still falls back to defaults instead of aborting the node.
func loadConfig(log *logrus.Logger) *config.Config {
	cfg, err := loadConfigViaCmdConfig(envFlag)
	if err != nil {
		log.WithError(err).Warn("no config file found, continuing with defaults")
		cfg = &config.Config{}
	}
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(lvl)
		}
	}
	return cfg
}

func loadConfigViaCmdConfig(env string) (cfg *config.Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	cmdconfig.LoadConfig(env)
	loaded := cmdconfig.AppConfig
	return &loaded, nil
}

// loadOrGenerateSigner resolves the node's validator signing key in order of
// precedence: --key flag, SYNN_SIGNING_KEY env var, a freshly generated key.
// A generated key only ever signs blocks for the lifetime of this process —
// an operator running a durable node should pass --key explicitly.
func loadOrGenerateSigner(log *logrus.Logger) (*core.ECDSASigner, error) {
	hexKey := keyFlag
	if hexKey == "" {
		hexKey = utils.EnvOrDefault("SYNN_SIGNING_KEY", "")
	}
	if hexKey == "" {
		priv, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating validator key: %w", err)
		}
		signer := core.NewECDSASigner(priv)
		log.WithField("validator", signer.Address().Hex()).Warn("no signing key configured, generated an ephemeral one for this run")
		return signer, nil
	}
	priv, err := parseHexPrivateKey(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing validator key: %w", err)
	}
	return core.NewECDSASigner(priv), nil
}

func parseHexPrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(raw)
}

// openLedger wires a LedgerConfig from cfg/the resolved signer and opens its
// block store, replaying any existing WAL.
func openLedger(cfg *config.Config, signer core.BlockSigner, log *logrus.Logger) (*core.Ledger, error) {
	budget := core.BlockBudget{
		MaxTransactions: cfg.Blockchain.MaxTransactionsPerBlock,
		MaxGas:          cfg.Blockchain.MaxGasPerBlock,
	}
	ledger, err := core.NewLedger(core.LedgerConfig{
		WALPath: walFlag,
		Signer:  signer,
		Budget:  budget,
		Log:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	return ledger, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	cfg := loadConfig(log)

	signer, err := loadOrGenerateSigner(log)
	if err != nil {
		return err
	}

	ledger, err := openLedger(cfg, signer, log)
	if err != nil {
		return err
	}
	defer ledger.Blocks.Close()

	ledger.Validators.Upsert(signer.Address(), signer.PublicKeyBytes(), nil)

	blockTime := time.Duration(cfg.Blockchain.BlockTimeMS) * time.Millisecond
	if blockTime <= 0 {
		blockTime = 2 * time.Second
	}
	pruning := core.NewPruningManager(ledger.Blocks, cfg.Storage.ArchivePath, cfg.Storage.KeepBlocks, cfg.Storage.PruneInterval, log)

	stop := make(chan struct{})
	go produceBlocksForever(ledger, pruning, signer.Address(), blockTime, log, stop)
	defer close(stop)

	query := core.NewQueryLayer(ledger)
	server := api.NewServer(query)

	log.WithFields(logrus.Fields{"addr": listenFlag, "block_time": blockTime}).Info("serving read API and producing blocks")
	return server.ListenAndServe(listenFlag)
}

// produceBlocksForever ticks ProduceBlock (and, opportunistically, a pruning
// pass) on a fixed interval until stop is closed. Errors are logged, not
// fatal: a transient failure (e.g. an empty mempool budget edge case) should
// not bring down the read API alongside it.
func produceBlocksForever(ledger *core.Ledger, pruning *core.PruningManager, producer core.Address, blockTime time.Duration, log *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			block, err := ledger.ProduceBlock(producer, now.Unix())
			if err != nil {
				log.WithError(err).Warn("produce_block failed")
				continue
			}
			log.WithFields(logrus.Fields{"height": block.Height, "txs": block.TransactionsCount}).Info("produced block")
			if _, err := pruning.Prune(block.Height); err != nil {
				log.WithError(err).Warn("pruning pass failed")
			}
		}
	}
}

// produceBlock is the one-shot counterpart of run's background loop: useful
// for operators driving block production from an external scheduler instead
// of ledgerd's own ticker.
func produceBlock(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	cfg := loadConfig(log)

	signer, err := loadOrGenerateSigner(log)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg, signer, log)
	if err != nil {
		return err
	}
	defer ledger.Blocks.Close()
	ledger.Validators.Upsert(signer.Address(), signer.PublicKeyBytes(), nil)

	ts := int64(heightFlag)
	if ts == 0 {
		ts = time.Now().Unix()
	}
	block, err := ledger.ProduceBlock(signer.Address(), ts)
	if err != nil {
		return fmt.Errorf("produce_block: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "produced block height=%d hash=%s txs=%d\n", block.Height, block.Hash.Hex(), block.TransactionsCount)
	return nil
}

// runPrune opens the store, runs a single pruning pass against its current
// height, and reports how many blocks were archived.
func runPrune(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	cfg := loadConfig(log)

	state := core.NewStateManager(log)
	validators := core.NewValidatorRegistry(log)
	stakes := core.NewStakeLedger(log)
	nodes := core.NewNodeRegistry()
	blocks, err := core.NewBlockStore(core.BlockStoreConfig{
		WALPath:    walFlag,
		State:      state,
		Validators: validators,
		Stakes:     stakes,
		Nodes:      nodes,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	defer blocks.Close()

	archivePath := archiveFlag
	keepBlocks := keepFlag
	interval := intervalFlag
	if cfg.Storage.ArchivePath != "" {
		archivePath = cfg.Storage.ArchivePath
	}
	if cfg.Storage.KeepBlocks > 0 {
		keepBlocks = cfg.Storage.KeepBlocks
	}
	if cfg.Storage.PruneInterval > 0 {
		interval = cfg.Storage.PruneInterval
	}

	pm := core.NewPruningManager(blocks, archivePath, keepBlocks, interval, log)
	archived, err := pm.Prune(uint64(blocks.Height()))
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %d blocks\n", archived)
	return nil
}

// initConfig scaffolds a default config file, the way the teacher's
// testnet/devnet commands read YAML node configs with gopkg.in/yaml.v3 —
// here used the other direction, to produce one.
func initConfig(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	cfg.Network.ID = "ledgerd-default"
	cfg.Network.ChainID = 1
	cfg.Network.TokenSymbol = "SYNN"
	cfg.Network.TokenName = "Synnergy"
	cfg.Network.Decimals = 18
	cfg.Network.InitialSupply = "0"
	cfg.Consensus.Algorithm = "proof-of-stake"
	cfg.Consensus.MinStake = "1000"
	cfg.Consensus.RewardRate = 0.05
	cfg.Blockchain.BlockTimeMS = 2000
	cfg.Blockchain.MaxTransactionsPerBlock = 500
	cfg.Blockchain.MaxGasPerBlock = 8_000_000
	cfg.Staking.DefaultDurationBlocks = 100_000
	cfg.Staking.EarlyWithdrawalPenalty = 0.1
	cfg.Storage.WALPath = "data/ledger.wal"
	cfg.Storage.ArchivePath = "data/archive"
	cfg.Storage.KeepBlocks = 100_000
	cfg.Storage.PruneInterval = 10_000
	cfg.Logging.Level = "info"

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.MkdirAll(dirOf(configOutFlag), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configOutFlag, out, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", configOutFlag)
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
