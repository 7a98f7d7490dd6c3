// cmd/seeder/main.go generates demo contacts for a tenant.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/db"
	"github.com/HealthFlowEgy/wasslchat/internal/logging"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/repository"
)

var (
	firstNames = []string{"Ahmed", "Mona", "Omar", "Sara", "Youssef", "Nour", "Karim", "Laila", "Hassan", "Fatma"}
	lastNames  = []string{"Hassan", "Ibrahim", "Mostafa", "Saleh", "Farouk", "Nabil"}
	cities     = []string{"Cairo", "Alexandria", "Giza", "Mansoura", "Aswan"}
	languages  = []string{"ar", "en"}
)

type seedOptions struct {
	tenant    string
	count     int
	groups    int
	tags      int
	optOutPct int
	batch     int
	seed      int64
}

func main() {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:   "seeder",
		Short: "Insert generated demo contacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.tenant, "tenant", "demo", "tenant id of the generated contacts")
	cmd.Flags().IntVar(&opts.count, "count", 1000, "number of contacts")
	cmd.Flags().IntVar(&opts.groups, "groups", 5, "contacts are spread over group ids 1..groups")
	cmd.Flags().IntVar(&opts.tags, "tags", 10, "contacts get up to three tag ids from 1..tags")
	cmd.Flags().IntVar(&opts.optOutPct, "opt-out-percent", 3, "share of contacts marked opted out")
	cmd.Flags().IntVar(&opts.batch, "batch", 5000, "rows per COPY batch")
	cmd.Flags().Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn, logger); err != nil {
		return err
	}

	repo := &repository.ContactRepository{DB: conn}
	rnd := rand.New(rand.NewSource(opts.seed))
	if opts.batch <= 0 {
		opts.batch = 5000
	}

	inserted := 0
	for inserted < opts.count {
		n := min(opts.batch, opts.count-inserted)
		batch := make([]*model.Contact, 0, n)
		for i := 0; i < n; i++ {
			batch = append(batch, generateContact(rnd, opts, inserted+i))
		}
		written, err := repo.BulkInsert(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert contacts: %w", err)
		}
		inserted += written
		logger.Info("seeded contacts", zap.Int("inserted", inserted), zap.Int("total", opts.count))
	}
	fmt.Printf("Seeded %d contacts for tenant %q\n", inserted, opts.tenant)
	return nil
}

func generateContact(rnd *rand.Rand, opts seedOptions, i int) *model.Contact {
	created := time.Now().UTC().Add(-time.Duration(rnd.Intn(365*24)) * time.Hour)
	c := &model.Contact{
		TenantID:  opts.tenant,
		Phone:     fmt.Sprintf("+2010%08d", i+1),
		FirstName: firstNames[rnd.Intn(len(firstNames))],
		LastName:  lastNames[rnd.Intn(len(lastNames))],
		City:      cities[rnd.Intn(len(cities))],
		Language:  languages[rnd.Intn(len(languages))],
		OptedOut:  rnd.Intn(100) < opts.optOutPct,
		CreatedAt: created,
	}
	if opts.groups > 0 {
		c.GroupIDs = []int64{int64(rnd.Intn(opts.groups) + 1)}
	}
	if opts.tags > 0 {
		seen := map[int64]bool{}
		for j := rnd.Intn(4); j > 0; j-- {
			id := int64(rnd.Intn(opts.tags) + 1)
			if !seen[id] {
				seen[id] = true
				c.TagIDs = append(c.TagIDs, id)
			}
		}
	}
	if rnd.Intn(2) == 0 {
		last := created.Add(time.Duration(rnd.Intn(30*24)) * time.Hour)
		c.LastOrderAt = &last
	}
	return c
}
