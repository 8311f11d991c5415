package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Show the account pool and the account the next submission would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		keyring, err := a.keyring()
		if err != nil {
			return err
		}
		coordinator := a.coordinator()
		pool := a.accountPool(keyring)

		fmt.Printf("👛 Account pool (%d)\n", len(pool))
		for _, addr := range pool {
			account, err := coordinator.Inspect(ctx, addr)
			if err != nil {
				return err
			}
			status := "free"
			if account.HasPendingTx {
				status = "pending"
			}
			fmt.Printf("   %s  nonce=%d  %s\n", account.Address.Hex(), account.Nonce, status)
		}

		selected, err := coordinator.SelectAccount(ctx, pool)
		if err != nil {
			return err
		}
		nonce, err := coordinator.ComputeNonce(ctx, selected)
		if err != nil {
			return err
		}
		fmt.Printf("➡️  Next sender: %s (nonce %d)\n", selected.Hex(), nonce)
		return nil
	},
}
