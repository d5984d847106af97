/*
main.go - Operator command line

PURPOSE:
  Runs privileged accounting operations directly against the configured
  store, without going through the HTTP API. Uses the same configuration
  and wiring as the server, so charges made here notify subscribers the
  same way.

COMMANDS:
  wallet   -owner user:alice -category cpu@ucloud
  subtree  -id <allocation-id>
  charge   -owner user:alice -category cpu@ucloud -units 4 [-periods 1] [-price 1] [-tx id]
  reset    -category storage@ucloud [-tx prefix]
  sweep    [-since 1h]

EXAMPLES:
  accountingctl -config=accounting.yaml wallet -owner project:p-42 -category cpu@ucloud
  accountingctl reset -category storage@ucloud -tx monthly-2026-10

SEE ALSO:
  - app/bootstrap.go: Dependency wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/app"
	"github.com/warp/accounting-engine/config"
	"github.com/warp/accounting-engine/logger"
)

const usage = `usage: accountingctl [-config file] <command> [flags]

commands:
  wallet    show a wallet and its allocations
  subtree   show an allocation and its descendants
  charge    record an admin charge
  reset     reset every wallet of a differential category to zero usage
  sweep     notify wallets whose allocations lapsed recently
`

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "accountingctl: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, svc *accounting.Service, args []string) error

var commands = map[string]command{
	"wallet":  walletCmd,
	"subtree": subtreeCmd,
	"charge":  chargeCmd,
	"reset":   resetCmd,
	"sweep":   sweepCmd,
}

func run(configPath, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Keep stdout for command output.
	log := logger.NewWithWriter(cfg.Log, os.Stderr).Level(zerolog.WarnLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	return cmd(ctx, deps.Service, args)
}

// =============================================================================
// COMMANDS
// =============================================================================

func walletCmd(ctx context.Context, svc *accounting.Service, args []string) error {
	fs := flag.NewFlagSet("wallet", flag.ContinueOnError)
	ownerKey := fs.String("owner", "", "Owner as kind:id")
	categoryKey := fs.String("category", "", "Category as name@provider")
	all := fs.Bool("all", false, "Include allocations outside their validity window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	owner, category, err := parseWalletFlags(*ownerKey, *categoryKey)
	if err != nil {
		return err
	}

	wallet, err := svc.FindWallet(ctx, owner, category, accounting.FindOptions{IncludeInactive: *all})
	if err != nil {
		return err
	}
	fmt.Printf("wallet %s (%s, policy %s)\n", wallet.ID, wallet.Owner.Key(), wallet.Policy)
	printAllocations(wallet.Allocations)
	fmt.Printf("tree balance: %s\n", wallet.TotalTreeBalance())
	return nil
}

func subtreeCmd(ctx context.Context, svc *accounting.Service, args []string) error {
	fs := flag.NewFlagSet("subtree", flag.ContinueOnError)
	id := fs.String("id", "", "Allocation ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	root, err := svc.GetAllocation(ctx, accounting.AllocationID(*id))
	if err != nil {
		return err
	}
	descendants, err := svc.Descendants(ctx, root.ID)
	if err != nil {
		return err
	}
	printAllocations(append([]accounting.Allocation{root}, descendants...))
	return nil
}

func chargeCmd(ctx context.Context, svc *accounting.Service, args []string) error {
	fs := flag.NewFlagSet("charge", flag.ContinueOnError)
	ownerKey := fs.String("owner", "", "Owner as kind:id")
	categoryKey := fs.String("category", "", "Category as name@provider")
	units := fs.String("units", "", "Units consumed")
	periods := fs.Int64("periods", 1, "Number of periods")
	price := fs.String("price", "1", "Price per unit")
	txID := fs.String("tx", "", "Transaction ID (makes the charge safe to repeat)")
	description := fs.String("description", "admin charge", "Ledger description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	owner, category, err := parseWalletFlags(*ownerKey, *categoryKey)
	if err != nil {
		return err
	}
	u, err := decimal.NewFromString(*units)
	if err != nil {
		return fmt.Errorf("-units: %w", err)
	}
	p, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("-price: %w", err)
	}

	results, err := svc.Charge(ctx, []accounting.ChargeRequest{{
		Owner:         owner,
		Category:      category,
		Units:         u,
		Periods:       *periods,
		PricePerUnit:  p,
		TransactionID: accounting.TransactionID(*txID),
		Description:   *description,
		Admin:         true,
		InitiatedBy:   operator(),
	}})
	if err != nil {
		return err
	}
	printResults(results)
	return results[0].Err
}

func resetCmd(ctx context.Context, svc *accounting.Service, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	categoryKey := fs.String("category", "", "Differential category as name@provider")
	prefix := fs.String("tx", "", "Transaction ID prefix (makes the reset safe to repeat)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	category, err := accounting.ParseCategoryID(*categoryKey)
	if err != nil {
		return err
	}

	results, err := svc.Reset(ctx, category, accounting.ResetOptions{
		Admin:             true,
		TransactionPrefix: *prefix,
		InitiatedBy:       operator(),
	})
	if err != nil {
		return err
	}
	printResults(results)
	return nil
}

func sweepCmd(ctx context.Context, svc *accounting.Service, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	since := fs.Duration("since", time.Hour, "How far back to look for lapsed allocations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now := time.Now().UTC()
	n, err := svc.SweepLapsed(ctx, now.Add(-*since), now)
	if err != nil {
		return err
	}
	fmt.Printf("notified %d wallets\n", n)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseWalletFlags(ownerKey, categoryKey string) (accounting.Owner, accounting.CategoryID, error) {
	owner, err := accounting.ParseOwner(ownerKey)
	if err != nil {
		return accounting.Owner{}, accounting.CategoryID{}, err
	}
	category, err := accounting.ParseCategoryID(categoryKey)
	if err != nil {
		return accounting.Owner{}, accounting.CategoryID{}, err
	}
	return owner, category, nil
}

func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return "accountingctl:" + u
	}
	return "accountingctl"
}

func printAllocations(allocs []accounting.Allocation) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tDEPTH\tQUOTA\tLOCAL\tTREE\tEND")
	for _, a := range allocs {
		end := "-"
		if a.Window.End != nil {
			end = a.Window.End.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			a.ID, a.Owner.Key(), len(a.Path)-1, a.Quota, a.LocalBalance, a.TreeBalance, end)
	}
	_ = tw.Flush()
}

func printResults(results []accounting.ChargeResult) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSACTION\tSUCCESS\tREPLAYED\tDELTA\tERROR")
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n", r.TransactionID, r.Success, r.Replayed, r.Delta, errText)
	}
	_ = tw.Flush()
}
