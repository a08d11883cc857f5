// Package main provides data seeding for the Carelink pipeline.
//
// Seeds webhook subscriptions from a YAML fixture file so a fresh
// environment has delivery targets before the first enrollment lands.
// Safe to run repeatedly: existing subscriptions are left untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/infrastructure"
	apperrors "carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

// fixtureFile is the YAML shape consumed by the seeder.
type fixtureFile struct {
	Subscriptions []subscriptionFixture `yaml:"subscriptions"`
}

type subscriptionFixture struct {
	ID         string   `yaml:"id"`
	TargetURL  string   `yaml:"target_url"`
	Secret     string   `yaml:"secret"`
	EventTypes []string `yaml:"event_types"`
	Active     *bool    `yaml:"active"`
}

func run() error {
	fixturePath := flag.String("fixtures", "seed.yaml", "path to YAML seed fixtures")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	fixtures, err := loadFixtures(*fixturePath)
	if err != nil {
		return err
	}
	if len(fixtures.Subscriptions) == 0 {
		logger.Info("No subscriptions in fixture file, nothing to seed")
		return nil
	}

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	subs := storage.NewPostgresSubscriptionStore(db.Pool)

	logger.Info("Starting data seeding...", zap.String("fixtures", *fixturePath))
	if err := seedSubscriptions(ctx, subs, fixtures.Subscriptions); err != nil {
		return fmt.Errorf("seed subscriptions: %w", err)
	}

	logger.Info("Data seeding completed successfully")
	return nil
}

func loadFixtures(path string) (fixtureFile, error) {
	var fixtures fixtureFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return fixtures, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return fixtures, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	for i, sub := range fixtures.Subscriptions {
		if sub.ID == "" || sub.TargetURL == "" || sub.Secret == "" {
			return fixtures, fmt.Errorf("subscription %d: id, target_url, and secret are required", i)
		}
	}
	return fixtures, nil
}

// seedSubscriptions inserts fixture subscriptions that do not exist yet.
func seedSubscriptions(ctx context.Context, subs storage.SubscriptionStore, fixtures []subscriptionFixture) error {
	for _, fx := range fixtures {
		if _, err := subs.FindByID(ctx, fx.ID); err == nil {
			logger.Info("Subscription exists, skipping", zap.String("id", fx.ID))
			continue
		} else if !isNotFound(err) {
			return fmt.Errorf("check subscription %s: %w", fx.ID, err)
		}

		active := true
		if fx.Active != nil {
			active = *fx.Active
		}
		sub := domain.WebhookSubscription{
			ID:         fx.ID,
			TargetURL:  fx.TargetURL,
			Secret:     fx.Secret,
			EventTypes: fx.EventTypes,
			Active:     active,
			CreatedAt:  time.Now().UTC(),
		}
		if err := subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("save subscription %s: %w", fx.ID, err)
		}
		logger.Info("Seeded subscription",
			zap.String("id", fx.ID),
			zap.String("target_url", fx.TargetURL),
			zap.Int("event_types", len(fx.EventTypes)),
		)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
