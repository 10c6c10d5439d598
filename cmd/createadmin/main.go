// Command createadmin provisions an active administrator account in the
// configured Postgres database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"accounts/backend/internal/config"
	"accounts/backend/internal/infrastructure/password"
	"accounts/backend/internal/infrastructure/postgres"
	"accounts/backend/internal/logger"
	userusecase "accounts/backend/internal/usecase/user"

	"golang.org/x/term"
)

// passwordEnv lets scripted setups skip the interactive prompt.
const passwordEnv = "ADMIN_PASSWORD"

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

var errPasswordsDiffer = errors.New("passwords do not match")

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "createadmin:", err)
		os.Exit(1)
	}
}

func run(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("createadmin", flag.ContinueOnError)
	fs.SetOutput(w)
	email := fs.String("email", "", "administrator email address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		fs.Usage()
		return errors.New("-email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.StorageDriver != config.StoragePostgres {
		return fmt.Errorf("storage driver %q keeps no data between runs", cfg.StorageDriver)
	}

	log, err := logger.New(cfg.LogFormat, cfg.LogLevel, w)
	if err != nil {
		return err
	}

	pw, err := adminPassword(os.Getenv(passwordEnv), w)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := db.Migrate(ctx, log); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	users := userusecase.NewService(postgres.NewUserRepository(db.Pool), password.NewHasher(cfg.BcryptCost))
	admin, err := users.CreateAdministrator(ctx, *email, pw)
	if err != nil {
		return err
	}

	log.Info("administrator created", slog.Int64("user_id", admin.ID), slog.String("email", admin.Email))
	return nil
}

// adminPassword returns fromEnv when set, otherwise prompts twice on the
// terminal without echo.
func adminPassword(fromEnv string, w io.Writer) (string, error) {
	if fromEnv != "" {
		return fromEnv, nil
	}

	first, err := prompt(w, "Password: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("password must not be empty")
	}
	second, err := prompt(w, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errPasswordsDiffer
	}
	return first, nil
}

func prompt(w io.Writer, label string) (string, error) {
	if _, err := fmt.Fprint(w, label); err != nil {
		return "", err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
