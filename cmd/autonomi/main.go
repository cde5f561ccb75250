package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"autonomi/core"
	"autonomi/pkg/config"
)

var (
	cfgEnv string
	log    = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{Use: "autonomi"}
	rootCmd.PersistentFlags().StringVar(&cfgEnv, "env", "", "config environment overlay")
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(scratchpadCmd())
	rootCmd.AddCommand(pointerCmd())
	rootCmd.AddCommand(vaultCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to a CLI exit code: 0 for nil, 3 for a
// *core.FatalError, and 1 for any other error. Usage errors have no code of
// their own; they exit with 1.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if _, ok := err.(*core.FatalError); ok {
		return 3
	}
	return 1
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgEnv)
	if err != nil {
		return nil, err
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}

// openOpLog opens the operational audit log configured by op_log_path; a
// blank path disables logging and both returns are nil.
func openOpLog(cfg *config.Config) (*core.OpLog, error) {
	if cfg.OpLogPath == "" {
		return nil, nil
	}
	return core.NewOpLog(cfg.OpLogPath)
}

func newNode(cfg *config.Config) (*core.Node, error) {
	return core.NewNode(core.NodeConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	})
}

func parseQuorum(s string) core.Quorum {
	switch s {
	case "one":
		return core.QuorumOne
	case "all":
		return core.QuorumAll
	case "", "majority":
		return core.QuorumMajority
	default:
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n > 0 {
			return core.QuorumN(n)
		}
		return core.QuorumMajority
	}
}

func putOptionsFromConfig(cfg *config.Config) core.PutOptions {
	mode := core.ModeStandard
	if cfg.Merkle {
		mode = core.ModeMerkle
	}
	gasPolicy, err := core.ParseGasBidPolicy(cfg.MaxFeePerGas)
	if err != nil {
		log.WithError(err).Warn("invalid max_fee_per_gas, falling back to market")
		gasPolicy = core.GasBidPolicy{Kind: core.GasBidMarket}
	}
	return core.PutOptions{
		Mode:              mode,
		SingleNodePayment: cfg.SingleNodePayment,
		NoVerify:          cfg.NoVerify,
		RetryFailed:       cfg.RetryFailed,
		GasPolicy:         gasPolicy,
	}
}

func withTimeout(cfg *config.Config) (context.Context, context.CancelFunc) {
	d := time.Duration(cfg.TimeoutS) * time.Second
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

func putCmd() *cobra.Command {
	var segSize int
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "self-encrypt and upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts := core.EncryptOptions{SegmentSize: segSize}
			dataMap, chunks, err := core.EncryptBytes(data, opts)
			if err != nil {
				return err
			}

			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			cache, err := core.NewChunkCache(cfg.ChunkCacheDir, 0, log)
			if err != nil && cfg.ChunkCacheDir != "" {
				return err
			}
			quoteCache := core.NewQuoteCache(0, 0)
			// A nil Payer here means payment submission fails at the paying
			// stage; wiring a wallet-backed core.EVMPayer is left to
			// deployment-specific key management, out of scope for this
			// reference CLI.
			engine := core.NewPutEngine(node, quoteCache, nil, 0).WithGossip(node)
			if opLog, err := openOpLog(cfg); err == nil && opLog != nil {
				defer opLog.Close()
				engine.WithOpLog(opLog)
			}

			ctx, cancel := withTimeout(cfg)
			defer cancel()

			records := make([]core.Record, len(chunks))
			for i, c := range chunks {
				records[i] = core.Record{Version: 1, Kind: core.KindChunk, Address: c.Address, Payload: c.Ciphertext}
			}
			res := engine.Put(ctx, records, putOptionsFromConfig(cfg))
			for _, f := range res.Failures {
				log.WithField("address", f.Address.String()).WithError(f.Err).Error("chunk put failed")
			}
			if cache != nil {
				for i, c := range chunks {
					_ = cache.Put(c.Address, records[i].Payload)
				}
			}

			mapBytes := core.EncodeDataMap(dataMap)
			mapAddr := core.AddrOfContent(mapBytes)
			mapRes := engine.Put(ctx, []core.Record{{Version: 1, Kind: core.KindChunk, Address: mapAddr, Payload: mapBytes}}, putOptionsFromConfig(cfg))
			if len(mapRes.Failures) > 0 {
				return mapRes.Failures[0].Err
			}

			fmt.Println(mapAddr.String())
			if len(res.Failures) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&segSize, "segment-size", 0, "override self-encryption segment size")
	return cmd
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [address] [outfile]",
		Short: "download and decrypt a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			var cache *core.ChunkCache
			if cfg.ChunkCacheDir != "" {
				cache, err = core.NewChunkCache(cfg.ChunkCacheDir, 0, log)
				if err != nil {
					return err
				}
			}

			ctx, cancel := withTimeout(cfg)
			defer cancel()

			data, err := core.GetBytes(ctx, node, cache, addr, parseQuorum(cfg.Quorum), core.DefaultDecryptParallelism)
			if opLog, logErr := openOpLog(cfg); logErr == nil && opLog != nil {
				meta := map[string]string{"address": addr.String()}
				event := "get_done"
				if err != nil {
					event = "get_failed"
					meta["error"] = err.Error()
				}
				_ = opLog.Log(event, meta)
				opLog.Close()
			}
			if err != nil {
				return err
			}
			return os.WriteFile(args[1], data, 0o644)
		},
	}
	return cmd
}

func parseAddress(s string) (core.Address, error) {
	var a core.Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(a) {
		return a, core.ErrMalformedAddress
	}
	copy(a[:], b)
	return a, nil
}

func requireOwnerKey() *core.OwnerKeyPair {
	// A real deployment loads the owner's persisted secret key; for the
	// reference CLI a fresh key is minted per invocation so every command
	// is independently runnable without prior key management scaffolding.
	return core.NewOwnerKeyPair()
}

// ownerPubKeyFlag registers the --owner-pubkey flag every mutable-record
// read command needs: the BLS public key records are re-verified against on
// every fetch, hex-encoded, compressed form.
func ownerPubKeyFlag(cmd *cobra.Command) {
	cmd.Flags().String("owner-pubkey", "", "hex-encoded BLS public key of the record owner (required)")
}

func parseOwnerPubKey(cmd *cobra.Command) (*bls.PublicKey, error) {
	s, err := cmd.Flags().GetString("owner-pubkey")
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, fmt.Errorf("--owner-pubkey is required")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--owner-pubkey: %w", err)
	}
	return core.DeserializePublicKey(b)
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "register", Short: "append-only register operations"}

	create := &cobra.Command{
		Use:  "create [name] [value]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()
			engine := core.NewPutEngine(node, core.NewQuoteCache(0, 0), nil, 0)
			ctx, cancel := withTimeout(cfg)
			defer cancel()
			addr, err := core.CreateRegister(ctx, engine, requireOwnerKey(), args[0], []byte(args[1]), putOptionsFromConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Println(addr.String())
			return nil
		},
	}
	history := &cobra.Command{
		Use:  "history [address]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ownerPK, err := parseOwnerPubKey(cmd)
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()
			ctx, cancel := withTimeout(cfg)
			defer cancel()
			entries, err := core.HistoryRegister(ctx, node, ownerPK, addr, parseQuorum(cfg.Quorum))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\n", string(e.Value))
			}
			return nil
		},
	}
	ownerPubKeyFlag(history)
	cmd.AddCommand(create, history)
	return cmd
}

func scratchpadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "scratchpad", Short: "latest-wins blob operations"}

	create := &cobra.Command{
		Use:  "create [name] [value]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()
			engine := core.NewPutEngine(node, core.NewQuoteCache(0, 0), nil, 0)
			ctx, cancel := withTimeout(cfg)
			defer cancel()
			addr, err := core.CreateScratchpad(ctx, engine, requireOwnerKey(), args[0], []byte(args[1]), putOptionsFromConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Println(addr.String())
			return nil
		},
	}
	get := &cobra.Command{
		Use:  "get [address]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ownerPK, err := parseOwnerPubKey(cmd)
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()
			ctx, cancel := withTimeout(cfg)
			defer cancel()
			_, data, forked, err := core.GetScratchpad(ctx, node, ownerPK, addr, parseQuorum(cfg.Quorum))
			if err != nil {
				return err
			}
			if forked {
				log.Warn("scratchpad holder reports a fork; resolved copy shown")
			}
			fmt.Println(string(data))
			return nil
		},
	}
	ownerPubKeyFlag(get)
	cmd.AddCommand(create, get)
	return cmd
}

func pointerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pointer", Short: "latest-wins reference operations"}

	get := &cobra.Command{
		Use:  "get [address]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ownerPK, err := parseOwnerPubKey(cmd)
			if err != nil {
				return err
			}
			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()
			ctx, cancel := withTimeout(cfg)
			defer cancel()
			if follow {
				data, err := core.FollowPointer(ctx, node, ownerPK, addr, parseQuorum(cfg.Quorum))
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			p, err := core.GetPointer(ctx, node, ownerPK, addr, parseQuorum(cfg.Quorum))
			if err != nil {
				return err
			}
			fmt.Println(p.TargetAddress.String())
			return nil
		},
	}
	get.Flags().Bool("follow", false, "dereference the pointer's target")
	ownerPubKeyFlag(get)
	cmd.AddCommand(get)
	return cmd
}

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "owner's encrypted record index"}

	cost := &cobra.Command{
		Use:  "cost",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := core.VaultCost(core.VaultIndex{Entries: map[string]core.VaultEntry{}})
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.AddCommand(cost)
	return cmd
}

// gasCapFromString parses a decimal wei literal. No command or flag calls
// it; max_fee_per_gas values are parsed by core.ParseGasBidPolicy.
func gasCapFromString(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
