package cmd

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

var (
	opAccount int64
	opFrom    int64
	opTo      int64
	opAmount  int64
	opKey     string
)

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit into an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()
		tran, err := engine.Deposit(cmd.Context(), opAccount, opAmount, idemKey())
		return report(tran, err)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw from an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()
		tran, err := engine.Withdraw(cmd.Context(), opAccount, opAmount, idemKey())
		return report(tran, err)
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer between two accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()
		tran, err := engine.Transfer(cmd.Context(), opFrom, opTo, opAmount, idemKey())
		return report(tran, err)
	},
}

// idemKey 呼叫端沒帶冪等鍵時才產生新的
func idemKey() string {
	if opKey != "" {
		return opKey
	}
	return uuid.New().String()
}

// report 輸出交易結果
// 有終態紀錄的業務失敗 (如餘額不足) 不是 CLI 錯誤: 結果已經確定且可重送
func report(tran *domain.Transaction, err error) error {
	if tran == nil {
		return err
	}
	fmt.Printf("transaction %s [%s] %s", tran.ID, tran.Kind, tran.Status)
	if tran.Status == domain.TransactionStatusFailed {
		fmt.Printf(" (%s)", tran.FailReason)
	}
	fmt.Println()
	for _, p := range tran.Postings {
		fmt.Printf("  posting %s account=%d amount=%+d balance=%d\n",
			p.ID, p.AccountID, p.Amount, p.ResultingBalance)
	}
	if err != nil && !errors.Is(err, tran.FailureErr()) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(depositCmd, withdrawCmd, transferCmd)

	for _, c := range []*cobra.Command{depositCmd, withdrawCmd} {
		c.Flags().Int64Var(&opAccount, "account", 0, "account id (required)")
		c.Flags().Int64Var(&opAmount, "amount", 0, "amount in minor units (required)")
		c.Flags().StringVar(&opKey, "key", "", "idempotency key (generated if omitted)")
		_ = c.MarkFlagRequired("account")
		_ = c.MarkFlagRequired("amount")
	}

	transferCmd.Flags().Int64Var(&opFrom, "from", 0, "source account id (required)")
	transferCmd.Flags().Int64Var(&opTo, "to", 0, "destination account id (required)")
	transferCmd.Flags().Int64Var(&opAmount, "amount", 0, "amount in minor units (required)")
	transferCmd.Flags().StringVar(&opKey, "key", "", "idempotency key (generated if omitted)")
	_ = transferCmd.MarkFlagRequired("from")
	_ = transferCmd.MarkFlagRequired("to")
	_ = transferCmd.MarkFlagRequired("amount")
}
