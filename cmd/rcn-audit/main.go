/*
main.go - Offline ledger audit tool

PURPOSE:
  Runs the reconciliation auditor against a store and prints a report.
  Meant for cron jobs and incident response; the server's sweeper covers
  the routine session expiry.

CHECKS:
  (always)       Approved sessions the customer can no longer cover
  -duplicates    Duplicate confirmed mints for one address
  -reconcile     Cached totals vs ledger, for one address or "all"

COMMAND-LINE FLAGS:
  -driver      sqlite or postgres (default from RCN_STORE)
  -db          SQLite database path
  -dsn         Postgres connection string
  -fix         Expire the invalid sessions that were found
  -duplicates  Address to scan for duplicate mints
  -reconcile   Address to reconcile, or "all"

EXIT STATUS:
  0 when nothing was found, 1 on error, 2 when findings were reported.

EXAMPLES:
  rcn-audit -db=./data/rcn.db
  rcn-audit -driver=postgres -dsn=$DATABASE_URL -fix -reconcile=all
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/repaircoin/rcn-engine/config"
	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/logging"
	"github.com/repaircoin/rcn-engine/monitoring"
	"github.com/repaircoin/rcn-engine/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcn-audit: %v\n", err)
		os.Exit(1)
	}

	opts := options{}
	flag.StringVar(&cfg.Store.Driver, "driver", cfg.Store.Driver, "Store driver (sqlite, postgres)")
	flag.StringVar(&cfg.Store.SQLitePath, "db", cfg.Store.SQLitePath, "SQLite database path")
	flag.StringVar(&cfg.Store.DatabaseURL, "dsn", cfg.Store.DatabaseURL, "Postgres connection string")
	flag.BoolVar(&opts.fix, "fix", false, "Expire invalid approved sessions")
	flag.StringVar(&opts.duplicates, "duplicates", "", "Address to scan for duplicate mints")
	flag.StringVar(&opts.reconcile, "reconcile", "", `Address to reconcile, or "all"`)
	flag.Parse()

	logger := logging.Must(cfg.Production)
	defer logger.Sync()

	if cfg.Store.Driver == config.DriverMemory {
		logger.Fatal("the memory store has nothing to audit")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	st, closeStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	findings, err := audit(ctx, ledger.NewReconciliationAuditor(st), opts, os.Stdout)
	closeStore()
	if err != nil {
		logger.Error("audit failed", zap.Error(err))
		os.Exit(1)
	}
	if findings > 0 {
		os.Exit(2)
	}
}

type options struct {
	fix        bool
	duplicates string
	reconcile  string
}

// audit runs the selected checks and writes the report to out. It returns
// the number of findings.
func audit(ctx context.Context, a *ledger.ReconciliationAuditor, opts options, out io.Writer) (int, error) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	total := 0

	invalid, err := a.FindInvalidApprovedSessions(ctx, opts.fix)
	if err != nil {
		return total, err
	}
	total += len(invalid)
	monitoring.AuditFindingsTotal.WithLabelValues("invalid_session").Add(float64(len(invalid)))

	fmt.Fprintf(w, "INVALID APPROVED SESSIONS: %d\n", len(invalid))
	if len(invalid) > 0 {
		fmt.Fprintln(w, "SESSION\tCUSTOMER\tSHOP\tAPPROVED\tAVAILABLE\tDEFICIT\tEXPIRED")
		for _, inv := range invalid {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				inv.Session.ID, inv.Session.CustomerAddress, inv.Session.ShopID,
				inv.Session.MaxAmount, inv.Available, inv.Deficit, inv.Expired)
		}
	}

	if opts.duplicates != "" {
		groups, err := a.FindDuplicateMints(ctx, ledger.NormalizeAddress(opts.duplicates))
		if err != nil {
			return total, err
		}
		total += len(groups)
		monitoring.AuditFindingsTotal.WithLabelValues("duplicate_mint").Add(float64(len(groups)))

		fmt.Fprintf(w, "\nDUPLICATE MINT GROUPS: %d\n", len(groups))
		if len(groups) > 0 {
			fmt.Fprintln(w, "TIMESTAMP\tSHOP\tAMOUNT\tCOUNT\tTRANSACTIONS")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n",
					g.Timestamp.Format(time.RFC3339), g.ShopID, g.Amount, g.Count, g.TransactionIDs)
			}
		}
	}

	if opts.reconcile != "" {
		var drifts []ledger.Drift
		if opts.reconcile == "all" {
			drifts, err = a.ReconcileAll(ctx)
		} else {
			var d ledger.Drift
			d, err = a.ReconcileCustomer(ctx, ledger.NormalizeAddress(opts.reconcile))
			if !d.InSync() || d.InvariantViolated {
				drifts = append(drifts, d)
			}
		}
		if err != nil {
			return total, err
		}
		total += len(drifts)
		monitoring.AuditFindingsTotal.WithLabelValues("drift").Add(float64(len(drifts)))

		fmt.Fprintf(w, "\nDRIFTED CUSTOMERS: %d\n", len(drifts))
		if len(drifts) > 0 {
			fmt.Fprintln(w, "CUSTOMER\tLIFETIME (CACHED/LEDGER)\tREDEEMED (CACHED/LEDGER)\tPENDING (CACHED/LEDGER)\tMINTED\tNEGATIVE")
			for _, d := range drifts {
				fmt.Fprintf(w, "%s\t%s/%s\t%s/%s\t%s/%s\t%s\t%t\n",
					d.Address,
					d.CachedLifetime, d.LedgerLifetime,
					d.CachedRedemptions, d.LedgerRedemptions,
					d.CachedPendingMint, d.LedgerPendingMint,
					d.MintedToWallet, d.InvariantViolated)
			}
		}
	}

	return total, nil
}
