// Command l2cache-demo runs the employee workload against a SQLite database
// through the cache and prints per-region statistics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/unkn0wn-root/l2cache"
	"github.com/unkn0wn-root/l2cache/codec"
	"github.com/unkn0wn-root/l2cache/config"
	"github.com/unkn0wn-root/l2cache/internal/employees"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("l2cache-demo", flag.ContinueOnError)
	dbPath := fs.String("db-path", ":memory:", "path to sqlite database")
	jsonOutput := fs.Bool("json", false, "output JSON statistics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	opts, err := cfg.Options(ctx)
	if err != nil {
		return fmt.Errorf("build cache options: %w", err)
	}
	m, err := l2cache.New(opts)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer func() {
		if err := m.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: close cache: %v\n", err)
		}
	}()

	store, err := employees.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: close store: %v\n", err)
		}
	}()

	c, err := codec.ByName[employees.Employee](cfg.Codec)
	if err != nil {
		return err
	}
	repo, err := employees.NewRepository(m, store, c)
	if err != nil {
		return err
	}
	if err := workload(ctx, repo); err != nil {
		return err
	}

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(m.Snapshot())
	}
	printStats(out, m)
	return nil
}

// workload loads one employee twice, then runs a query before and after a
// mutation.
func workload(ctx context.Context, repo *employees.Repository) error {
	seed := []employees.Employee{
		{ID: 1, Name: "Martin", Address: "Prague 132"},
		{ID: 2, Name: "Peter", Address: "Ostrava"},
		{ID: 3, Name: "Tom", Address: "Brno"},
	}
	for _, e := range seed {
		if err := repo.Create(ctx, e); err != nil && !errors.Is(err, employees.ErrExists) {
			return err
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.Get(ctx, 1); err != nil {
			return err
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.WithIDAbove(ctx, 1); err != nil {
			return err
		}
	}
	if err := repo.Create(ctx, employees.Employee{ID: 4, Name: "Newman", Address: "Paul"}); err != nil && !errors.Is(err, employees.ErrExists) {
		return err
	}
	_, err := repo.WithIDAbove(ctx, 1)
	return err
}

func printStats(out io.Writer, m *l2cache.Manager) {
	snap := m.Snapshot()
	if len(snap) == 0 {
		fmt.Fprintln(out, "cache disabled: no regions")
		return
	}
	for _, r := range snap {
		fmt.Fprintf(out, "%-6s %-40q elements=%d %s\n", r.Kind, r.Name, r.Elements, r.Counts)
	}
	tot := m.Statistics().Totals()
	fmt.Fprintf(out, "total  hit ratio %.2f %s\n", tot.HitRatio(), tot)
}
