package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-tx-ledger/internal/app/core/domain"
)

var (
	accID      int64
	accOwner   string
	accBalance int64
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Import account data from account-management",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Import an account (balance becomes the opening balance)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		acc := domain.NewAccount(accID, accOwner, accBalance)
		if err := store.PutAccount(cmd.Context(), acc); err != nil {
			return err
		}
		fmt.Printf("account %d (%s) imported, balance %d\n", acc.ID, acc.OwnerID, acc.Balance)
		return nil
	},
}

var accountCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Mark an account closed (no further transactions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, cleanup, err := openLedger()
		if err != nil {
			return err
		}
		defer cleanup()

		acc, err := store.GetAccount(cmd.Context(), accID)
		if err != nil {
			return err
		}
		acc.Status = domain.AccountStatusClosed
		if err := store.PutAccount(cmd.Context(), acc); err != nil {
			return err
		}
		fmt.Printf("account %d closed\n", acc.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddCmd, accountCloseCmd)

	accountAddCmd.Flags().Int64Var(&accID, "id", 0, "account id (required)")
	accountAddCmd.Flags().StringVar(&accOwner, "owner", "", "owner principal id")
	accountAddCmd.Flags().Int64Var(&accBalance, "balance", 0, "opening balance in minor units")
	_ = accountAddCmd.MarkFlagRequired("id")

	accountCloseCmd.Flags().Int64Var(&accID, "id", 0, "account id (required)")
	_ = accountCloseCmd.MarkFlagRequired("id")
}
