// Command issue-token signs an owner token with the server's JWT secret.
// It is meant for operators and local testing; the owner id is generated
// when none is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/service/auth"
)

func main() {
	ownerFlag := flag.String("owner", "", "owner UUID to issue the token for (random when empty)")
	lifetime := flag.Duration("lifetime", 0, "token lifetime, e.g. 24h (configured default when zero)")
	flag.Parse()

	if err := run(*ownerFlag, *lifetime); err != nil {
		fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
		os.Exit(1)
	}
}

func run(rawOwner string, lifetime time.Duration) error {
	owner := uuid.New()
	if rawOwner != "" {
		parsed, err := uuid.Parse(rawOwner)
		if err != nil {
			return fmt.Errorf("invalid owner id %q: %w", rawOwner, err)
		}
		owner = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	svc, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(context.Background(), owner, lifetime)
	if err != nil {
		return err
	}

	fmt.Printf("Owner: %s\nToken: %s\n", owner, token)
	return nil
}
