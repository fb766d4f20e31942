// Command ledgerctl runs one-off maintenance tasks against the ledger database.
//
//	ledgerctl [-config path] backfill-units
//	ledgerctl [-config path] seed-codes
//	ledgerctl [-config path] topup -user 42 -amount 10000 -reason "support refund"
//	ledgerctl [-config path] verify -user 42
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"billingledger/internal/config"
	"billingledger/internal/infrastructure/database"
	"billingledger/internal/model"
	"billingledger/internal/service"
	"billingledger/pkg/idgen"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, true)
	// keep clear of the server's worker ids
	_ = idgen.Init(1023)

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "backfill-units":
		err = backfillUnits(ctx, db)
	case "seed-codes":
		err = seedCodes(ctx, db)
	case "topup":
		err = topUp(ctx, db, cfg, args)
	case "verify":
		err = verify(ctx, db, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: ledgerctl [-config path] <command> [flags]

commands:
  backfill-units   convert legacy ruble rows to kopecks and stamp their unit
  seed-codes       insert the default promo codes that are missing
  topup            credit a user manually (-user, -amount in kopecks, -reason)
  verify           compare a user's balance with the sum of its journal (-user)
`)
}

func backfillUnits(ctx context.Context, db *gorm.DB) error {
	report, err := database.BackfillUnits(ctx, db)
	if err != nil {
		return err
	}
	log.Info().Int64("balances", report.Balances).Int64("operations", report.Operations).
		Int64("payments", report.Payments).Msg("units backfilled")
	return nil
}

func seedCodes(ctx context.Context, db *gorm.DB) error {
	created, err := service.NewDiscountService(db).SeedDefaults(ctx)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		log.Info().Msg("all default codes already exist")
		return nil
	}
	log.Info().Str("codes", strings.Join(created, ",")).Msg("codes seeded")
	return nil
}

func topUp(ctx context.Context, db *gorm.DB, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("topup", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id")
	amount := fs.Int64("amount", 0, "amount in kopecks")
	reason := fs.String("reason", "", "journal remark")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 || *amount <= 0 || *reason == "" {
		return fmt.Errorf("topup needs -user, -amount and -reason")
	}

	balance, err := service.NewLedgerService(db, cfg, nil).AddBalance(ctx, service.Credit{
		UserID:  *userID,
		Amount:  *amount,
		Type:    model.TransactionTypeAdjust,
		RefType: model.RefTypeManual,
		Remark:  *reason,
	})
	if err != nil {
		return err
	}
	log.Info().Int64("user_id", *userID).Int64("amount", *amount).Int64("balance", balance).Msg("balance adjusted")
	return nil
}

func verify(ctx context.Context, db *gorm.DB, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return fmt.Errorf("verify needs -user")
	}

	check, err := service.NewAccountService(db).VerifyJournal(ctx, *userID)
	if err != nil {
		return err
	}
	ev := log.Info()
	if !check.Consistent() {
		ev = log.Warn()
	}
	ev.Int64("user_id", check.UserID).Int64("balance", check.Balance).Int64("journal_sum", check.JournalSum).
		Bool("consistent", check.Consistent()).Msg("journal checked")
	return nil
}
