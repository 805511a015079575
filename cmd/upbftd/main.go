// Command upbftd runs a U-PBFT/DAG validator node.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tolelom/upbft-dag/config"
	"github.com/tolelom/upbft-dag/consensus"
	"github.com/tolelom/upbft-dag/driver"
	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/httpapi"
	"github.com/tolelom/upbft-dag/indexer"
	"github.com/tolelom/upbft-dag/ledger"
	"github.com/tolelom/upbft-dag/storage"
	"github.com/tolelom/upbft-dag/trust"
	"github.com/tolelom/upbft-dag/validatorkey"
)

var (
	cfgPath string
	keyPath string
)

var rootCmd = &cobra.Command{
	Use:   "upbftd",
	Short: "U-PBFT/DAG validator node",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "wire up and run a validator until signaled",
	RunE:  runServe,
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "generate a new validator signing key and exit",
	RunE:  runGenkey,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "list the block records of a persisted audit dump",
	RunE:  runAudit,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.json", "path to config file")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", "", "path to keystore file (overrides config's keystore_path)")
	rootCmd.AddCommand(serveCmd, genkeyCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config file not found at %s, using defaults", cfgPath)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func resolveKeyPath(cfg *config.Config) string {
	if keyPath != "" {
		return keyPath
	}
	return cfg.KeystorePath
}

func keystorePassword() string {
	password := os.Getenv("UPBFT_PASSWORD")
	if password == "" {
		log.Println("WARNING: UPBFT_PASSWORD not set — keystore will use an empty password")
	}
	return password
}

func runGenkey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	path := resolveKeyPath(cfg)

	_, pub, err := validatorkey.Generate(path, keystorePassword())
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Printf("Generated validator key. Public key (validator ID): %s\n", pub.Hex())
	fmt.Printf("Saved to: %s\n", path)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	priv, pub, err := validatorkey.Load(resolveKeyPath(cfg), keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	emitter := events.NewEmitter()
	events.LogSubscriber(emitter)

	var db storage.DB
	if cfg.AuditDBPath != "" {
		levelDB, err := storage.NewLevelDB(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer levelDB.Close()
		db = levelDB
	}

	idxDB := db
	if idxDB == nil {
		levelDB, err := storage.NewLevelDB(cfg.DataDir + "/index")
		if err != nil {
			return fmt.Errorf("open index db: %w", err)
		}
		defer levelDB.Close()
		idxDB = levelDB
	}

	tm := trust.New(cfg.Validators, emitter)
	idx := indexer.New(idxDB, emitter)
	l := ledger.New(pub, priv, tm, emitter, cfg.MaxValidationRetries,
		time.Duration(cfg.ConflictRetryWindowSeconds)*time.Second, cfg.ForcedAcceptanceMargin)

	if db != nil {
		auditStore := storage.NewAuditStore(db)
		emitter.Subscribe(events.EventBlockAppended, func(ev events.Event) {
			index, _ := ev.Data["index"].(int)
			for _, b := range l.Blocks() {
				if b.Index == index {
					if err := auditStore.Record(b); err != nil {
						log.Printf("[audit] record block %d: %v", index, err)
					}
					break
				}
			}
		})
	}

	engine := consensus.New(cfg, cfg.Validators, tm, emitter)
	engine.DetectMalicious()
	d := driver.New(cfg, engine, l, idx, priv)

	router := httpapi.NewRouter(d)
	log.Printf("HTTP API listening on %s (validator: %s)", cfg.RPCAddr, pub.Hex())

	srvErr := make(chan error, 1)
	go func() {
		if err := router.Run(cfg.RPCAddr); err != nil {
			srvErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("shutting down")
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.AuditDBPath == "" {
		return fmt.Errorf("config has no audit_db_path; nothing to audit")
	}

	db, err := storage.NewLevelDB(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer db.Close()

	auditStore := storage.NewAuditStore(db)
	records, err := auditStore.All()
	if err != nil {
		return fmt.Errorf("read audit records: %w", err)
	}

	fmt.Printf("Audit dump contains %d block records.\n", len(records))
	for _, rec := range records {
		fmt.Printf("  #%d %s proposer=%s parents=%v\n", rec.Index, rec.HashHex, rec.Proposer, rec.ParentHashesHex)
	}
	return nil
}
