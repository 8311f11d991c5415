package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/nimazeighami/keeper-engine/internal/events"
)

var (
	eventsAddresses     []string
	eventsTopic         string
	eventsFromBlock     uint64
	eventsToBlock       uint64
	eventsCrossCheckRPC []string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Fetch contract events over a block span",
	Long: `Fetches logs over [--from, --to] in lookback-sized chunks and prints them as JSON lines.

--topic accepts either a 32 byte hash or an event signature such as
"Transfer(address,address,uint256)". With --cross-check-rpc the same query is
run against every listed provider and logs missing from any of them are reported.`,
	Example: `  keeper events --address 0xA0b8...eB48 --topic "Transfer(address,address,uint256)" --from 19000000
  keeper events --address 0xA0b8...eB48 --from 19000000 --to 19010000 --cross-check-rpc https://backup.node`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventsAddresses, "address", nil, "contract address to filter on (repeatable)")
	eventsCmd.Flags().StringVar(&eventsTopic, "topic", "", "event topic hash or signature")
	eventsCmd.Flags().Uint64Var(&eventsFromBlock, "from", 0, "first block of the span")
	eventsCmd.Flags().Uint64Var(&eventsToBlock, "to", 0, "last block of the span (default: current head)")
	eventsCmd.Flags().StringSliceVar(&eventsCrossCheckRPC, "cross-check-rpc", nil, "additional provider to compare results against (repeatable)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := ethereum.FilterQuery{}
	for _, addr := range eventsAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q", addr)
		}
		filter.Addresses = append(filter.Addresses, common.HexToAddress(addr))
	}
	if eventsTopic != "" {
		filter.Topics = [][]common.Hash{{events.TopicHash(eventsTopic)}}
	}

	toBlock := eventsToBlock
	if !cmd.Flags().Changed("to") {
		if toBlock, err = a.client.BlockNumber(ctx); err != nil {
			return fmt.Errorf("failed to get head block: %v", err)
		}
	}
	if toBlock < eventsFromBlock {
		return fmt.Errorf("--to (%d) is before --from (%d)", toBlock, eventsFromBlock)
	}
	cfg := a.searchConfig(eventsFromBlock, toBlock)

	fetcher, err := a.fetcher(ctx)
	if err != nil {
		return err
	}

	if len(eventsCrossCheckRPC) > 0 {
		return crossCheckEvents(cmd, a, fetcher, filter, cfg)
	}

	logs, err := fetcher.Query(ctx, filter, cfg)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	for i := range logs {
		if err := encoder.Encode(&logs[i]); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "✅ %d events in blocks %d-%d\n", len(logs), cfg.FromBlock, cfg.ToBlock)
	return nil
}

func crossCheckEvents(cmd *cobra.Command, a *app, fetcher *events.Fetcher, filter ethereum.FilterQuery, cfg events.SearchConfig) error {
	ctx := cmd.Context()
	providers := []events.Provider{{Name: a.config.RpcURL, Client: a.client}}
	for _, url := range eventsCrossCheckRPC {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %v", url, err)
		}
		defer client.Close()
		providers = append(providers, events.Provider{Name: url, Client: client})
	}

	result, err := fetcher.CrossCheck(ctx, providers, filter, cfg)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	for i := range result.Events {
		if err := encoder.Encode(&result.Events[i]); err != nil {
			return err
		}
	}
	if result.Consistent() {
		fmt.Fprintf(os.Stderr, "✅ %d events, all %d providers agree\n", len(result.Events), len(providers))
		return nil
	}
	for _, log := range result.Missing {
		fmt.Fprintf(os.Stderr, "⚠️  not returned by every provider: block %d tx %s log %d\n", log.BlockNumber, log.TxHash.Hex(), log.Index)
	}
	return fmt.Errorf("providers disagree on %d events in blocks %d-%d", len(result.Missing), cfg.FromBlock, cfg.ToBlock)
}
