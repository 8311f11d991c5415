package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimazeighami/keeper-engine/internal/gasprice"
)

var gasCmd = &cobra.Command{
	Use:   "gas",
	Short: "Refresh and print the fast gas price",
	Long:  "Refreshes the gas price oracle from its configured sources and prints the cached fast price.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		oracle := a.oracle()
		oracle.Update(ctx)

		price := oracle.GetCurrentFastPrice()
		fmt.Printf("⛽ Fast gas price: %s gwei (%s wei)\n", gasprice.WeiToGwei(price).Text('f', 2), price)
		if updated := oracle.LastUpdate(); !updated.IsZero() {
			fmt.Printf("   Last updated: %s\n", updated.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Println("   Using the configured default price")
		}
		return nil
	},
}
