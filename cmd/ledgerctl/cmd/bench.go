package cmd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

var (
	benchCount       int
	benchConcurrency int
	benchAccount     int64
	benchAmount      int64
)

// benchCmd 對引擎做本地壓測
// 每筆請求帶獨立的冪等鍵，完成後回報 TPS 與失敗數
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run concurrent deposits against the engine and report TPS",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, query, store, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()

		// 目標帳戶不存在時先匯入，壓測不需要事先 account add
		if _, err := store.GetAccount(ctx, benchAccount); errors.Is(err, domain.ErrAccountNotFound) {
			if err := store.PutAccount(ctx, domain.NewAccount(benchAccount, "bench", 0)); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var wg sync.WaitGroup
		wg.Add(benchCount)
		sem := make(chan struct{}, benchConcurrency)
		var failed atomic.Int64

		startTime := time.Now()
		for i := 0; i < benchCount; i++ {
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				_, err := engine.Deposit(ctx, benchAccount, benchAmount, uuid.New().String())
				if err != nil {
					failed.Add(1)
				}
			}()
		}
		wg.Wait()
		elapsed := time.Since(startTime)

		fmt.Printf("Completed %d requests in %v (%d failed)\n", benchCount, elapsed, failed.Load())
		fmt.Printf("TPS: %.2f\n", float64(benchCount)/elapsed.Seconds())

		balance, err := query.GetBalance(ctx, benchAccount)
		if err != nil {
			return err
		}
		fmt.Printf("account %d balance %d\n", benchAccount, balance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVar(&benchCount, "count", 100000, "total requests")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 100, "in-flight requests")
	benchCmd.Flags().Int64Var(&benchAccount, "account", 1, "target account id")
	benchCmd.Flags().Int64Var(&benchAmount, "amount", 1, "amount per deposit in minor units")
}
