// Command atves imports camera enforcement data from the vendor
// portals into the warehouse. With no camera-type flags it processes
// everything; flags narrow the run to one program.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/city-of-baltimore/atves/lib/configutil"
	"github.com/city-of-baltimore/atves/lib/geocode"
	"github.com/city-of-baltimore/atves/lib/scrapers/axsis"
	"github.com/city-of-baltimore/atves/lib/scrapers/cobreports"
	"github.com/city-of-baltimore/atves/lib/scrapers/conduent"
	"github.com/city-of-baltimore/atves/lib/telemetry"
	"github.com/city-of-baltimore/atves/lib/timezone"
	"github.com/city-of-baltimore/atves/services/ingest"
	"github.com/city-of-baltimore/atves/services/ingest/db"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.Password == ""
}

type Config struct {
	// Database is the sqlite file the warehouse lives in.
	Database   string      `json:"database"`
	Axsis      Credentials `json:"axsis"`
	Conduent   Credentials `json:"conduent"`
	CobReports Credentials `json:"cob_reports"`
	// FinancialAccounts are the legacy account numbers to pull general
	// ledger detail for.
	FinancialAccounts []string `json:"financial_accounts"`
	GeocoderMinScore  float64  `json:"geocoder_min_score"`
	StrictAudit       bool     `json:"strict_audit"`
}

var flags struct {
	start     string
	end       string
	days      int
	force     bool
	buildDB   bool
	all       bool
	rl        bool
	oh        bool
	tc        bool
	financial bool
	verbose   bool
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.start, "start", "", "start date (YYYY-MM-DD), defaults relative to --end")
	f.StringVar(&flags.end, "end", "", "end date (YYYY-MM-DD), defaults to yesterday")
	f.IntVar(&flags.days, "days", 1, "number of days to process, ending on the end date")
	f.BoolVar(&flags.force, "force", false, "re-pull date ranges the database already covers")
	f.BoolVar(&flags.buildDB, "build-db", false, "rebuild or update the camera location table first")
	f.BoolVar(&flags.all, "all", false, "process every camera type and the financials")
	f.BoolVar(&flags.rl, "rl", false, "process red light cameras")
	f.BoolVar(&flags.oh, "oh", false, "process over height cameras")
	f.BoolVar(&flags.tc, "tc", false, "process traffic counts")
	f.BoolVar(&flags.financial, "financial", false, "process the general ledger")
	f.BoolVar(&flags.verbose, "verbose", false, "enable debug logging")
}

// dateRange resolves the flag combination into an inclusive range. The
// default is a one day window ending yesterday.
func dateRange(now time.Time) (start, end time.Time, err error) {
	end = timezone.Date(now.Year(), now.Month(), now.Day()).AddDate(0, 0, -1)
	if flags.end != "" {
		end, err = time.ParseInLocation(time.DateOnly, flags.end, timezone.Location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --end: %w", err)
		}
	}

	start = end.AddDate(0, 0, -(flags.days - 1))
	if flags.start != "" {
		start, err = time.ParseInLocation(time.DateOnly, flags.start, timezone.Location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --start: %w", err)
		}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is after end %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return start, end, nil
}

var rootCmd = &cobra.Command{
	Use:           "atves",
	Short:         "atves imports traffic camera enforcement data into the warehouse.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if flags.verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		start, end, err := dateRange(timezone.Now())
		if err != nil {
			return err
		}

		config, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if config.Database == "" {
			config.Database = "atves.db"
		}

		tel, err := telemetry.SetupFromEnv(ctx, "atves")
		if err != nil {
			return fmt.Errorf("setting up telemetry: %w", err)
		}
		defer tel.Shutdown(context.Background())

		database, err := db.Open(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("opening %s: %w", config.Database, err)
		}
		defer database.Close()

		store := db.NewStore(database)
		if err := store.SeedViolationCategories(ctx); err != nil {
			return fmt.Errorf("seeding violation categories: %w", err)
		}

		svc, err := buildService(ctx, store, config)
		if err != nil {
			return err
		}

		slog.InfoContext(ctx, "processing",
			"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))

		// no narrowing flags means everything
		all := flags.all || !(flags.rl || flags.oh || flags.tc || flags.financial)

		if flags.buildDB {
			if err := svc.BuildLocationDB(ctx); err != nil {
				return err
			}
		}
		if flags.tc || all {
			if err := svc.ProcessTrafficCounts(ctx, start, end); err != nil {
				return err
			}
			if err := svc.ProcessViolations(ctx, start, end); err != nil {
				return err
			}
		}
		if flags.oh || all {
			if err := processProgram(ctx, svc, start, end, conduent.Overheight); err != nil {
				return err
			}
		}
		if flags.rl || all {
			if err := processProgram(ctx, svc, start, end, conduent.RedLight); err != nil {
				return err
			}
			if err := svc.ProcessAmberTimeRejects(ctx, start, end); err != nil {
				return err
			}
		}
		if flags.financial || all {
			for _, account := range config.FinancialAccounts {
				if err := svc.ProcessFinancials(ctx, start, end, account); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

// processProgram runs the CiteWeb imports shared by both camera
// programs.
func processProgram(ctx context.Context, svc *ingest.Service, start, end time.Time,
	camType conduent.CamType) error {
	if err := svc.ProcessConduentRejectNumbers(ctx, start, end, camType); err != nil {
		return err
	}
	if err := svc.ProcessByLocationSummary(ctx, start, end, camType); err != nil {
		return err
	}
	return svc.ProcessApprovalByReviewDate(ctx, start, end, camType)
}

// buildService wires up whichever portal clients have credentials.
// Operations whose portal is missing log a warning and no-op, so a
// partially configured deployment still imports what it can.
func buildService(ctx context.Context, store db.Store, config Config) (*ingest.Service, error) {
	opts := ingest.Options{
		Store: store,
		Geocoder: geocode.NewClient(geocode.ClientOptions{
			MinScore: config.GeocoderMinScore,
		}),
		Force:       flags.force,
		StrictAudit: config.StrictAudit,
	}

	if !config.Axsis.empty() {
		client, err := axsis.NewClient(ctx, axsis.ClientOptions{
			Username: config.Axsis.Username,
			Password: config.Axsis.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("axsis login: %w", err)
		}
		opts.Axsis = client
	}
	if !config.Conduent.empty() {
		client, err := conduent.NewClient(ctx, conduent.ClientOptions{
			Username: config.Conduent.Username,
			Password: config.Conduent.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("citeweb login: %w", err)
		}
		opts.Conduent = client
	}
	if !config.CobReports.empty() {
		client, err := cobreports.NewClient(ctx, cobreports.ClientOptions{
			Username: config.CobReports.Username,
			Password: config.CobReports.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("report server login: %w", err)
		}
		opts.Financial = client
	}
	return ingest.New(opts), nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
