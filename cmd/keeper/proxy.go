package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/nimazeighami/keeper-engine/internal/proxy"
	"github.com/nimazeighami/keeper-engine/internal/txsubmit"
)

var (
	proxyAddress  string
	proxyLibrary  string
	proxyCalldata string
	proxyBytecode string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage and execute through the owner's DSProxy",
}

var proxyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Find or deploy the owner's proxy",
	Long: `Searches the factory's Created events for the most recent proxy owned by the
primary key and deploys one when none exists (unless proxy.create_if_missing is false).
With --address the given proxy is adopted without searching.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, manager, err := openProxy(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		record, err := manager.Record()
		if err != nil {
			return err
		}
		fmt.Printf("🏗️  Proxy %s (owner %s)\n", record.Proxy.Hex(), record.Owner.Hex())
		return nil
	},
}

var proxyExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Delegate-call a deployed library through the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(proxyLibrary) {
			return fmt.Errorf("invalid --library address %q", proxyLibrary)
		}
		callData, err := hexutil.Decode(proxyCalldata)
		if err != nil {
			return fmt.Errorf("invalid --calldata: %v", err)
		}

		a, manager, err := openProxy(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := manager.ExecuteOnExistingLibrary(cmd.Context(), common.HexToAddress(proxyLibrary), callData)
		if err != nil {
			return err
		}
		printOutcome(outcome)
		return nil
	},
}

var proxyExecNewCmd = &cobra.Command{
	Use:   "exec-new",
	Short: "Deploy library bytecode and call it through the proxy in one transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		byteCode, err := hexutil.Decode(proxyBytecode)
		if err != nil {
			return fmt.Errorf("invalid --bytecode: %v", err)
		}
		callData, err := hexutil.Decode(proxyCalldata)
		if err != nil {
			return fmt.Errorf("invalid --calldata: %v", err)
		}

		a, manager, err := openProxy(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := manager.ExecuteOnNewLibrary(cmd.Context(), byteCode, callData)
		if err != nil {
			return err
		}
		printOutcome(outcome)
		return nil
	},
}

func init() {
	proxyCmd.PersistentFlags().StringVar(&proxyAddress, "proxy", "", "use this proxy instead of searching the factory")

	proxyExecCmd.Flags().StringVar(&proxyLibrary, "library", "", "library contract address")
	proxyExecCmd.Flags().StringVar(&proxyCalldata, "calldata", "0x", "hex encoded call data for the library")
	_ = proxyExecCmd.MarkFlagRequired("library")

	proxyExecNewCmd.Flags().StringVar(&proxyBytecode, "bytecode", "", "hex encoded library creation code")
	proxyExecNewCmd.Flags().StringVar(&proxyCalldata, "calldata", "0x", "hex encoded call data for the library")
	_ = proxyExecNewCmd.MarkFlagRequired("bytecode")

	proxyCmd.AddCommand(proxyInitCmd)
	proxyCmd.AddCommand(proxyExecCmd)
	proxyCmd.AddCommand(proxyExecNewCmd)
}

// openProxy builds the manager and initializes it from --proxy or the factory. The caller
// closes the returned app.
func openProxy(cmd *cobra.Command) (*app, *proxy.Manager, error) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	manager, err := a.proxyManager(ctx)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	if proxyAddress != "" {
		if !common.IsHexAddress(proxyAddress) {
			a.Close()
			return nil, nil, fmt.Errorf("invalid --proxy address %q", proxyAddress)
		}
		err = manager.InitializeWithAddress(common.HexToAddress(proxyAddress))
	} else {
		_, err = manager.Initialize(ctx)
	}
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, manager, nil
}

func printOutcome(outcome *txsubmit.Outcome) {
	fmt.Printf("✅ Submission %s mined\n", outcome.SubmissionID)
	if outcome.Receipt != nil {
		fmt.Printf("   Tx: %s  block %d  gas used %d\n", outcome.Receipt.TxHash.Hex(), outcome.Receipt.BlockNumber, outcome.Receipt.GasUsed)
	}
	fmt.Printf("   Attempts: %d  gas price %s wei\n", outcome.Attempts, outcome.Config.GasPrice)
	if len(outcome.ReturnValue) > 0 {
		fmt.Printf("   Simulated return: %s\n", hexutil.Encode(outcome.ReturnValue))
	}
}
