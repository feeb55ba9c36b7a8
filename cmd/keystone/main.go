// keystone - authenticated versioned store inspector. Opens a chain data
// directory read-only and serves gets, proofs, proof verification, and
// token balance lookups from committed state.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledger"
	"github.com/keystonechain/keystone/log"
	"github.com/keystonechain/keystone/params"
	"github.com/keystonechain/keystone/storage"
)

var (
	Version = "dev"
	Commit  = "none"
)

func openLedger(dataPath, chainSpec string) (*ledger.Ledger, error) {
	p := params.DefaultParams()
	if chainSpec != "" {
		var err error
		p, err = params.LoadParams(chainSpec)
		if err != nil {
			return nil, err
		}
	}
	kv, err := storage.NewPersistenceStore(dataPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dataPath, err)
	}
	state, err := storage.NewState(kv, p.RetentionWindow)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return ledger.New(state, p), nil
}

func parseHeight(s string) (uint64, error) {
	if s == "" || s == "latest" {
		return ledger.QueryLatest, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func main() {
	var (
		dataPath  string
		chainSpec string
		logLevel  string
		height    string
	)

	rootCmd := &cobra.Command{
		Use:     "keystone",
		Short:   "Keystone authenticated store inspector",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dataPath, "datadir", "keystone-data", "chain data directory")
	rootCmd.PersistentFlags().StringVar(&chainSpec, "chainspec", "", "chainspec JSON file (defaults to dev parameters)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "log level: trace|debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&height, "height", "latest", "block height to query, or 'latest'")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read one key from committed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(dataPath, chainSpec)
			if err != nil {
				return err
			}
			defer l.Store().Close()
			h, err := parseHeight(height)
			if err != nil {
				return err
			}
			res, err := l.Value(context.Background(), args[0], h, false)
			if err != nil {
				return err
			}
			if !res.Found {
				fmt.Printf("height %d: %s: not found\n", res.Height, args[0])
				return nil
			}
			fmt.Printf("height %d: %s = %s\n", res.Height, args[0], common.Bytes2Hex(res.Value))
			return nil
		},
	}

	proveCmd := &cobra.Command{
		Use:   "prove <key>",
		Short: "Read one key with a Merkle proof against the height's root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(dataPath, chainSpec)
			if err != nil {
				return err
			}
			defer l.Store().Close()
			h, err := parseHeight(height)
			if err != nil {
				return err
			}
			res, err := l.Value(context.Background(), args[0], h, true)
			if err != nil {
				return err
			}
			root, _, err := l.Root(context.Background(), res.Height)
			if err != nil {
				return err
			}
			fmt.Printf("height %d root %s\n", res.Height, root.Hex())
			if res.Found {
				fmt.Printf("%s = %s\n", args[0], common.Bytes2Hex(res.Value))
			} else {
				fmt.Printf("%s: absent (absence proof)\n", args[0])
			}
			fmt.Printf("proof %s\n", common.Bytes2Hex(res.Proof))
			return nil
		},
	}

	var verifyRoot, verifyValue string
	verifyCmd := &cobra.Command{
		Use:   "verify <key> <proof-hex>",
		Short: "Verify an encoded proof against a root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootBytes := common.Hex2Bytes(verifyRoot)
			if len(rootBytes) != 32 {
				return fmt.Errorf("--root must be 32 hex bytes")
			}
			proof := common.Hex2Bytes(args[1])
			if len(proof) == 0 {
				return fmt.Errorf("decode proof: malformed hex")
			}
			var value []byte
			if verifyValue != "" {
				if value = common.Hex2Bytes(verifyValue); len(value) == 0 {
					return fmt.Errorf("decode --value: malformed hex")
				}
			}
			if err := ledger.VerifyValue(common.BytesToHash(rootBytes), proof, args[0], value); err != nil {
				return err
			}
			fmt.Println("proof OK")
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&verifyRoot, "root", "", "state root, hex")
	verifyCmd.Flags().StringVar(&verifyValue, "value", "", "expected value, hex; omit to verify absence")
	verifyCmd.MarkFlagRequired("root")

	listCmd := &cobra.Command{
		Use:   "list <prefix>",
		Short: "List keys under a prefix from current committed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(dataPath, chainSpec)
			if err != nil {
				return err
			}
			defer l.Store().Close()
			keys, values, err := l.Prefix(context.Background(), args[0])
			if err != nil {
				return err
			}
			for i, k := range keys {
				fmt.Printf("%s = %s\n", k.String(), common.Bytes2Hex(values[i]))
			}
			fmt.Printf("%d keys\n", len(keys))
			return nil
		},
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <token> <owner>",
		Short: "Read a token balance from current committed state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(dataPath, chainSpec)
			if err != nil {
				return err
			}
			defer l.Store().Close()
			key := ledger.BalanceKey(args[0], args[1])
			value, found, err := l.Store().ReadCurrent(key)
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("0")
				return nil
			}
			amount, err := ledger.DecodeAmount(value)
			if err != nil {
				return err
			}
			fmt.Println(amount.Dec())
			return nil
		},
	}

	rootHashCmd := &cobra.Command{
		Use:   "root",
		Short: "Print the state root at a height",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(dataPath, chainSpec)
			if err != nil {
				return err
			}
			defer l.Store().Close()
			h, err := parseHeight(height)
			if err != nil {
				return err
			}
			root, resolved, err := l.Root(context.Background(), h)
			if err != nil {
				return err
			}
			fmt.Printf("height %d root %s\n", resolved, root.Hex())
			return nil
		},
	}

	rootCmd.AddCommand(getCmd, proveCmd, verifyCmd, listCmd, balanceCmd, rootHashCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
