package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"tollgate.org/internal/auth"
	"tollgate.org/internal/config"
	"tollgate.org/internal/events"
	"tollgate.org/internal/migrate"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/rbac"
	"tollgate.org/internal/store/pg"
)

func main() {
	log := obs.Logger()
	cfg := config.Default()
	var (
		dsn        = flag.String("dsn", os.Getenv("TOLLGATE_PG_DSN"), "PostgreSQL DSN")
		adminLogin = flag.String("admin-login", os.Getenv("TOLLGATE_ADMIN_LOGIN"), "bootstrap admin login (seed only)")
		adminOrg   = flag.String("admin-org", os.Getenv("TOLLGATE_ADMIN_ORG"), "bootstrap organization name (seed only)")
		cost       = flag.Int("bcrypt-cost", cfg.Auth.BcryptCost, "bcrypt cost for the bootstrap password")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TOLLGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB())

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		log.WithField("count", len(applied)).Info("migrations_up")
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			log.WithField("name", name).Info("migration_rolled_back")
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		log.WithField("count", len(applied)).Info("seeds_applied")
		if err == nil && *adminLogin != "" {
			err = bootstrapAdmin(ctx, store, *cost, *adminLogin, os.Getenv("TOLLGATE_ADMIN_PASSWORD"), *adminOrg)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
}

// bootstrapAdmin creates the first user and, when org is set, an organization
// it owns. Existing rows are left alone so seed stays rerunnable. The pepper
// must match the API's TOLLGATE_AUTH_PEPPER or the password will not verify.
func bootstrapAdmin(ctx context.Context, store *pg.Store, cost int, login, password, org string) error {
	log := obs.Logger().WithField("login", login)
	passwords, err := auth.NewPasswords(os.Getenv("TOLLGATE_AUTH_PEPPER"), cost)
	if err != nil {
		return err
	}
	svc := rbac.NewService(store, passwords, events.Nop{})

	user, err := svc.CreateUser(ctx, rbac.UserInput{Login: login, Password: password})
	switch {
	case errors.Is(err, rbac.ErrLoginConflict):
		if user, err = store.UserByLogin(ctx, login); err != nil {
			return err
		}
		log.Info("admin_exists")
	case err != nil:
		return fmt.Errorf("create admin: %w", err)
	default:
		log.WithField("user_id", user.ID).Info("admin_created")
	}

	if org == "" {
		return nil
	}
	o, err := svc.CreateOrganization(ctx, rbac.OrganizationInput{Name: org, OwnerID: user.ID})
	switch {
	case errors.Is(err, rbac.ErrNameConflict):
		log.WithField("organization", org).Info("organization_exists")
		return nil
	case err != nil:
		return fmt.Errorf("create organization: %w", err)
	}
	log.WithField("organization_id", o.ID).Info("organization_created")
	return nil
}
