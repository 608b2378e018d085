package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-tx-ledger/config"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/adapter/out/memory"
	mysqladapter "github.com/JoeShih716/go-tx-ledger/internal/app/core/adapter/out/mysql"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/adapter/out/notify"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/adapter/out/sqlite"
	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-tx-ledger/pkg/mysql"
	"github.com/JoeShih716/go-tx-ledger/pkg/wal"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Transaction & ledger engine control tool",
	Long: `ledgerctl marshals operation requests into the ledger engine.

Backends (config "store"):
  sqlite  - local ledger file (default)
  mysql   - shared MySQL ledger
  memory  - in-memory ledger with WAL, mainly for bench`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default config/config.yaml)")
}

// loadConfig 載入設定檔，找不到時全用預設值
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "config/config.yaml"
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// openLedger 依設定建立 Store 與引擎
func openLedger() (*usecase.TransactionEngine, *usecase.QueryService, usecase.LedgerStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	var (
		store   usecase.LedgerStore
		cleanup = func() {}
	)
	switch cfg.Store {
	case "mysql":
		client, err := mysql.NewClient(cfg.MySQL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		st := mysqladapter.NewStore(client)
		if err := st.AutoMigrate(); err != nil {
			_ = client.Close()
			return nil, nil, nil, nil, err
		}
		store = st
		cleanup = func() { _ = client.Close() }
	case "memory":
		w, err := wal.Open(cfg.WAL.Path)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		st, err := memory.NewStore(nil, w,
			memory.WithLockTimeout(cfg.Engine.LockTimeoutDuration()))
		if err != nil {
			_ = w.Close()
			return nil, nil, nil, nil, err
		}
		store = st
		cleanup = func() { _ = w.Close() }
	default:
		st, err := sqlite.NewStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		store = st
		cleanup = func() { _ = st.Close() }
	}

	engine := usecase.NewTransactionEngine(store,
		usecase.WithNotifier(notify.NewLogNotifier(nil)),
		usecase.WithConflictRetry(cfg.Engine.MaxRetries, cfg.Engine.RetryBackoffDuration()),
		usecase.WithPendingWait(cfg.Engine.RetryBackoffDuration(), cfg.Engine.PendingWaitDuration()),
	)
	query := usecase.NewQueryService(store)
	return engine, query, store, cleanup, nil
}
