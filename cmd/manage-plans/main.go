package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Getenv, sql.Open, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// defaultPlans is the catalog every deployment needs. The Basic monthly plan is the
// downgrade target of the subscription lifecycle and must exist.
var defaultPlans = []models.SubscriptionPlan{
	{ID: "basic-monthly", Name: "Basic", Tier: models.TierBasic, Interval: models.IntervalMonthly, PriceCents: 0, Currency: "USD", PostQuota: 5, Active: true},
	{ID: "standard-monthly", Name: "Standard", Tier: models.TierStandard, Interval: models.IntervalMonthly, PriceCents: 1500, Currency: "USD", PostQuota: 15, Active: true},
	{ID: "standard-yearly", Name: "Standard (yearly)", Tier: models.TierStandard, Interval: models.IntervalYearly, PriceCents: 15000, Currency: "USD", PostQuota: 15, Active: true},
	{ID: "premium-monthly", Name: "Premium", Tier: models.TierPremium, Interval: models.IntervalMonthly, PriceCents: 4900, Currency: "USD", PostQuota: -1, Active: true},
	{ID: "premium-yearly", Name: "Premium (yearly)", Tier: models.TierPremium, Interval: models.IntervalYearly, PriceCents: 49000, Currency: "USD", PostQuota: -1, Active: true},
}

type options struct {
	command string
	codes   map[string]string
}

// parseArgs accepts `seed` (default) or `list`, and repeated -code plan-id=PROVIDER_CODE
// flags that attach external plan codes while seeding.
func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("manage-plans", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	o := options{command: "seed", codes: map[string]string{}}
	fs.Func("code", "plan-id=EXTERNAL_PLAN_CODE (repeatable)", func(v string) error {
		id, code, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(code) == "" {
			return fmt.Errorf("invalid -code %q, want plan-id=CODE", v)
		}
		o.codes[strings.TrimSpace(id)] = strings.TrimSpace(code)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		o.command = fs.Arg(0)
	}
	switch o.command {
	case "seed", "list":
		return o, nil
	default:
		return options{}, fmt.Errorf("unknown command %q (want seed or list)", o.command)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, openDB func(string, string) (*sql.DB, error), out io.Writer) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	dbURL := getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	db, err := openDB("postgres", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	if o.command == "seed" {
		if err := seed(ctx, st, o.codes, out); err != nil {
			return err
		}
	}
	return list(ctx, st, out)
}

// seed inserts missing default plans. Existing rows are left untouched since a plan
// referenced by a subscription is immutable.
func seed(ctx context.Context, st store.Repository, codes map[string]string, out io.Writer) error {
	for _, p := range defaultPlans {
		_, found, err := st.GetPlan(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", p.ID, err)
		}
		if found {
			fmt.Fprintf(out, "plan %s exists, skipping\n", p.ID)
			continue
		}
		p.ExternalPlanCode = codes[p.ID]
		if err := st.CreatePlan(ctx, p); err != nil {
			return fmt.Errorf("insert plan %s: %w", p.ID, err)
		}
		fmt.Fprintf(out, "inserted plan %s\n", p.ID)
	}
	return nil
}

func list(ctx context.Context, st store.Repository, out io.Writer) error {
	plans, err := st.ListPlans(ctx, false)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	fmt.Fprintln(out, "Current plans:")
	for _, p := range plans {
		quota := fmt.Sprint(p.PostQuota)
		if p.PostQuota < 0 {
			quota = "unlimited"
		}
		fmt.Fprintf(out, "- %s: %s %s %d.%02d %s/%s posts=%s active=%v\n",
			p.ID, p.Name, p.Tier, p.PriceCents/100, p.PriceCents%100, p.Currency, p.Interval, quota, p.Active)
	}
	return nil
}
