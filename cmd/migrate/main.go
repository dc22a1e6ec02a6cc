package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"adhesion.org/internal/migrate"
	"adhesion.org/internal/obs"
)

func main() {
	_ = godotenv.Load()
	log := obs.Logger()

	var (
		dsn     = flag.String("dsn", os.Getenv("ADHESION_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or ADHESION_PG_DSN")
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|seed|status|pending]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.Default(db)

	var out []string
	switch cmd := flag.Arg(0); cmd {
	case "up":
		out, err = mgr.Up(ctx)
	case "seed":
		out, err = mgr.Seed(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			return
		}
		if name != "" {
			out = []string{name}
		}
	case "status":
		out, err = mgr.Status(ctx)
	case "pending":
		out, err = mgr.Pending(ctx)
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
	for _, item := range out {
		fmt.Println(item)
	}
}
