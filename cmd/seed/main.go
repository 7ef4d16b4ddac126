// seed inserts development users for local testing. Run via go run ./cmd/seed.
// Idempotent: users whose email already exists are left unchanged.
package main

import (
	"context"
	"log"

	"github.com/kunihei/memocrm-docker/internal/config"
	"github.com/kunihei/memocrm-docker/internal/db"
	"github.com/kunihei/memocrm-docker/internal/security"
	"github.com/kunihei/memocrm-docker/internal/user/domain"
	"github.com/kunihei/memocrm-docker/internal/user/repository"
)

const devPassword = "password"

var devUsers = []struct{ name, email string }{
	{"admin", "admin@example.com"},
	{"admin2", "admin2@example.com"},
	{"admin3", "admin3@example.com"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash(devPassword)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	users := repository.NewPostgresRepository(conn)
	ctx := context.Background()
	for _, du := range devUsers {
		u := &domain.User{Name: du.name, Email: du.email, PasswordHash: passwordHash}
		created, err := users.Create(ctx, u)
		if err != nil {
			log.Fatalf("create %s: %v", du.email, err)
		}
		if created {
			log.Printf("created %s (user_id %d)", du.email, u.ID)
		} else {
			log.Printf("%s already exists, skipping", du.email)
		}
	}
	log.Printf("Seed complete. Log in with any of the users above and password %q.", devPassword)
}
