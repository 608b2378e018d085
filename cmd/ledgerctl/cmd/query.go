package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/usecase"
)

var (
	qAccount int64
	qLimit   int
	qOffset  int
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show an account balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, query, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		balance, err := query.GetBalance(cmd.Context(), qAccount)
		if err != nil {
			return err
		}
		fmt.Printf("account %d balance %d\n", qAccount, balance)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List an account's postings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, query, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		postings, err := query.ListPostings(cmd.Context(), qAccount, usecase.PostingRange{
			Limit:  qLimit,
			Offset: qOffset,
		})
		if err != nil {
			return err
		}
		for _, p := range postings {
			fmt.Printf("%s tx=%s amount=%+d balance=%d\n",
				p.ID, p.TransactionID, p.Amount, p.ResultingBalance)
		}
		return nil
	},
}

var txCmd = &cobra.Command{
	Use:   "tx <transaction-id>",
	Short: "Show a transaction by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}

		_, query, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		tran, err := query.GetTransaction(cmd.Context(), id)
		if err != nil {
			return err
		}
		return report(tran, nil)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the balance invariant for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, query, _, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := query.VerifyBalance(cmd.Context(), qAccount); err != nil {
			return err
		}
		fmt.Printf("account %d: balance matches posting history\n", qAccount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd, historyCmd, txCmd, verifyCmd)

	for _, c := range []*cobra.Command{balanceCmd, historyCmd, verifyCmd} {
		c.Flags().Int64Var(&qAccount, "account", 0, "account id (required)")
		_ = c.MarkFlagRequired("account")
	}
	historyCmd.Flags().IntVar(&qLimit, "limit", usecase.DefaultPostingLimit, "page size")
	historyCmd.Flags().IntVar(&qOffset, "offset", 0, "page offset")
}
