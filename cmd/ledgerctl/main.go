package main

import (
	"os"

	"github.com/JoeShih716/go-tx-ledger/cmd/ledgerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
