// Command migrate manages the database schema and seed catalog.
//
//	migrate -dsn postgres://... up
//	migrate down | status | seed
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"identra.org/internal/migrate"
)

func main() {
	var (
		dsn = flag.String("dsn", os.Getenv("IDENTRA_DB_DSN"), "database connection string")
		dir = flag.String("dir", "ops/migrations", "migrations directory")
	)
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}
	if *dsn == "" {
		fail("dsn is required (flag -dsn or IDENTRA_DB_DSN)")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		fail("open database: " + err.Error())
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fail("ping database: " + err.Error())
	}

	mgr := migrate.New(db, os.DirFS(*dir))

	switch cmd {
	case "up":
		n, err := mgr.Up(ctx)
		if err != nil {
			fail(err.Error())
		}
		fmt.Printf("applied %d migration(s)\n", n)
	case "down":
		if err := mgr.Down(ctx); err != nil {
			fail(err.Error())
		}
		fmt.Println("rolled back 1 migration")
	case "seed":
		n, err := mgr.Seed(ctx)
		if err != nil {
			fail(err.Error())
		}
		fmt.Printf("ran %d seed file(s)\n", n)
	case "status":
		migs, err := mgr.Status(ctx)
		if err != nil {
			fail(err.Error())
		}
		for _, m := range migs {
			state := "pending"
			if m.Applied {
				state = "applied " + m.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-8s %-30s %s\n", m.Version, m.Name, state)
		}
	default:
		fail("unknown command " + cmd + " (want up, down, seed or status)")
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "migrate: "+msg)
	os.Exit(1)
}
