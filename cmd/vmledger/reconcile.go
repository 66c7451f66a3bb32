package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/id"
)

const reconcilePageSize = 100

var (
	reconcileAccount string
	reconcileAll     bool
)

var errInconsistent = errors.New("ledger inconsistencies found")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check materialized balances against the ledger",
	Long: `Rebuild each account's balance, spend and credits from its ledger entries
and compare them with the stored account.

Exits non-zero when any account disagrees with its ledger.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reconcileAccount == "" && !reconcileAll {
			return errors.New("pass --account or --all")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := buildRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.close(logger)
		defer rt.engine.Stop()

		var results []*vmledger.Reconciliation
		if reconcileAccount != "" {
			accountID, err := id.ParseAccountID(reconcileAccount)
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			rec, err := rt.engine.Reconcile(ctx, accountID)
			if err != nil {
				return err
			}
			results = append(results, rec)
		} else {
			results, err = reconcileEvery(ctx, rt.engine)
			if err != nil {
				return err
			}
		}

		if printReconciliations(cmd.OutOrStdout(), results) > 0 {
			return errInconsistent
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileAccount, "account", "", "account ID to reconcile")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "reconcile every account")
}

func reconcileEvery(ctx context.Context, e *vmledger.Engine) ([]*vmledger.Reconciliation, error) {
	var out []*vmledger.Reconciliation
	for offset := 0; ; offset += reconcilePageSize {
		accounts, err := e.Store().ListAccounts(ctx, account.ListOpts{Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range accounts {
			rec, err := e.Reconcile(ctx, a.ID)
			if err != nil {
				return nil, fmt.Errorf("reconcile %s: %w", a.ID, err)
			}
			out = append(out, rec)
		}
		if len(accounts) < reconcilePageSize {
			return out, nil
		}
	}
}

// printReconciliations writes one row per account and returns how many
// were inconsistent.
func printReconciliations(w io.Writer, results []*vmledger.Reconciliation) int {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tBALANCE\tLEDGER\tENTRIES\tSTATUS")

	bad := 0
	for _, r := range results {
		status := "ok"
		if !r.Consistent {
			bad++
			status = "MISMATCH: " + strings.Join(r.Discrepancies, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.AccountID, r.Balance, r.LedgerBalance, r.EntryCount, status)
	}
	_ = tw.Flush()
	return bad
}
