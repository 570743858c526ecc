package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"campaignd/internal/app"
	"campaignd/internal/auth"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

func init() {
	for _, c := range []*cobra.Command{balanceCmd, historyCmd, grantCmd, transferCmd} {
		c.Flags().String("as", "", "act as this configured account (default: system)")
		rootCmd.AddCommand(c)
	}
	historyCmd.Flags().String("category", "", "only this category")
	historyCmd.Flags().String("kind", "", "only this kind (transfer, debit, refund, grant)")
	historyCmd.Flags().Int64("after", 0, "start after this sequence number")
	historyCmd.Flags().Int("limit", 50, "maximum rows (0 for all)")
	grantCmd.Flags().String("description", "", "grant description")
	transferCmd.Flags().String("description", "", "transfer description")
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT CATEGORY",
	Short: "Print an account's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(core *app.Core, p auth.Principal) error {
			b, err := core.GetBalance(cmd.Context(), p, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), b)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT",
	Short: "List an account's ledger rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		kind, _ := cmd.Flags().GetString("kind")
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := ledger.Filter{Category: category}
		if kind != "" {
			filter.Kinds = []storage.TxKind{storage.TxKind(kind)}
		}
		return withCore(cmd, func(core *app.Core, p auth.Principal) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tAT\tKIND\tCATEGORY\tDELTA\tREFERENCE\tDESCRIPTION")
			for tx, err := range core.GetTransactionHistory(cmd.Context(), p, args[0], filter, ledger.Page{After: after, Limit: limit}) {
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%+d\t%s\t%s\n",
					tx.Seq, tx.At.Format(time.RFC3339), tx.Kind, tx.Category, tx.Delta, tx.ReferenceID, tx.Description)
			}
			return w.Flush()
		})
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant ACCOUNT CATEGORY AMOUNT",
	Short: "Mint credits into an account",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		return withCore(cmd, func(core *app.Core, p auth.Principal) error {
			ref, err := core.GrantCredit(cmd.Context(), p, args[0], args[1], amount, desc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref.ReferenceID)
			return nil
		})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer FROM TO CATEGORY AMOUNT",
	Short: "Move credits down the account tree",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[3])
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		return withCore(cmd, func(core *app.Core, p auth.Principal) error {
			ref, err := core.TransferCredit(cmd.Context(), p, ledger.TransferRequest{
				From:        args[0],
				To:          args[1],
				Category:    args[2],
				Amount:      amount,
				Description: desc,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref.ReferenceID)
			return nil
		})
	},
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// withCore opens the configured store without starting the daemon and runs
// fn as the --as principal.
func withCore(cmd *cobra.Command, fn func(core *app.Core, p auth.Principal) error) error {
	a, err := app.New(cfgPath, app.Options{Log: logx.NewWriter(os.Stderr, "warn")})
	if err != nil {
		return err
	}
	defer a.Close()

	p := auth.System()
	if as, _ := cmd.Flags().GetString("as"); as != "" {
		p, err = principalFor(a, as)
		if err != nil {
			return err
		}
	}
	return fn(a.Core(), p)
}

func principalFor(a *app.App, id string) (auth.Principal, error) {
	for _, acc := range a.Config().Credits.Accounts {
		if acc.ID != id {
			continue
		}
		role, err := auth.ParseRole(acc.Role)
		if err != nil {
			return auth.Principal{}, err
		}
		return auth.NewPrincipal(id, role), nil
	}
	return auth.Principal{}, fmt.Errorf("account %q is not configured", id)
}
