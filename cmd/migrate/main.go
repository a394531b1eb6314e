package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"warden.id/internal/migrate"
	"warden.id/internal/obs"
	"warden.id/ops/migrations"
)

func main() {
	var (
		dsn     = pflag.String("dsn", os.Getenv("WARDEN_PG_DSN"), "PostgreSQL DSN")
		dir     = pflag.String("dir", "", "Directory holding sql/ and seeds/ (default: embedded files)")
		timeout = pflag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|seed|status|pending")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	log := obs.InitLogger("prod", "info", "migrate")
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or WARDEN_PG_DSN")
	}
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, fsys, migrations.Dir, migrations.SeedsDir)

	cmd := pflag.Arg(0)
	var out []string
	switch cmd {
	case "up":
		out, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		out = []string{name}
	case "seed":
		out, err = mgr.Seed(ctx)
	case "status":
		out, err = mgr.Status(ctx)
	case "pending":
		out, err = mgr.Pending(ctx)
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
	for _, item := range out {
		fmt.Println(item)
	}
}

