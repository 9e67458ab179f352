// eventsubctl manages the EventSub subscriptions of a spyglass deployment.
// It reads the same environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/postgres"
	"github.com/illuminautical/spyglass/internal/adapter/twitch"
	"github.com/illuminautical/spyglass/internal/app"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/config"
	"github.com/illuminautical/spyglass/internal/platform/crypto"
	"github.com/illuminautical/spyglass/internal/platform/logging"
	"github.com/illuminautical/spyglass/internal/platform/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
)

const usage = `usage: eventsubctl <command> [flags]

commands:
  list          list subscriptions registered with Twitch
  subscribe     create a subscription (--broadcaster, --type)
  unsubscribe   delete a subscription (--id)
  reconcile     delete remote subscriptions that have no stored record
  sign          compute the signature header for a callback body
`

type command struct {
	name string
	run  func(ctx context.Context, args []string, stdout io.Writer) error
}

func commands() []command {
	return []command{
		{"list", runList},
		{"subscribe", runSubscribe},
		{"unsubscribe", runUnsubscribe},
		{"reconcile", runReconcile},
		{"sign", runSign},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1:], os.Stdout)
	stop()

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, domain.ErrInitialToken) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:], stdout)
		}
	}
	return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	level, _ := fs.GetString("log-level")
	slog.SetDefault(logging.NewLogger(os.Stderr, level, "text"))
	return nil
}

// environment holds the collaborators a command needs. close releases whatever was opened.
type environment struct {
	cfg   *config.Config
	api   *twitch.Client
	pool  *pgxpool.Pool
	close func()
}

func openEnvironment(ctx context.Context, withStore bool) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	creds := domain.ClientCredentials{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	tokens, err := twitch.NewTokenManager(ctx, creds,
		twitch.WithTokenURL(cfg.TwitchTokenURL),
		twitch.WithRefreshTimeout(cfg.TokenRefreshTimeout),
	)
	if err != nil {
		return nil, err
	}

	env := &environment{
		cfg: cfg,
		api: twitch.NewClient(tokens, creds,
			twitch.WithAPIURL(cfg.TwitchAPIURL),
			twitch.WithCallbackURL(cfg.WebhookCallbackURL),
			twitch.WithListRetry(retry.FixedDelay(cfg.ListRetryAttempts, cfg.ListRetryDelay)),
		),
		close: func() {},
	}

	if withStore {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		env.pool = pool
		env.close = pool.Close
	}

	return env, nil
}

func (e *environment) service() (*app.SubscriptionService, error) {
	var secrets crypto.Service = crypto.NoopService{}
	if e.cfg.SecretEncryptionKey != "" {
		svc, err := crypto.NewAesGcmService(e.cfg.SecretEncryptionKey)
		if err != nil {
			return nil, err
		}
		secrets = svc
	}
	repo := postgres.NewSubscriptionRepo(e.pool, postgres.WithSecretCrypto(secrets))
	return app.NewSubscriptionService(e.api, repo, app.WithOrphanGrace(e.cfg.ListRetryDelay)), nil
}

func runList(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("list")
	if err := parse(fs, args); err != nil {
		return err
	}

	env, err := openEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	subs, err := env.api.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	return printSubscriptions(stdout, subs)
}

func printSubscriptions(w io.Writer, subs []domain.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tBROADCASTER\tSTATUS\tCREATED")
	for _, s := range subs {
		status := string(s.Status)
		if s.RevocationReason != "" {
			status += " (" + s.RevocationReason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.BroadcasterUserID, status, s.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runSubscribe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("subscribe")
	broadcaster := fs.StringP("broadcaster", "b", "", "broadcaster user ID")
	subType := fs.StringP("type", "t", domain.SubscriptionTypeStreamOnline, "subscription type (stream.online, stream.offline)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *broadcaster == "" {
		return errors.New("--broadcaster is required")
	}
	if *subType != domain.SubscriptionTypeStreamOnline && *subType != domain.SubscriptionTypeStreamOffline {
		return fmt.Errorf("unsupported subscription type %q", *subType)
	}

	env, err := openEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.close()

	svc, err := env.service()
	if err != nil {
		return err
	}
	sub, err := svc.Subscribe(ctx, *broadcaster, *subType)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "created %s (%s for %s), awaiting verification\n", sub.ID, sub.Type, sub.BroadcasterUserID)
	return nil
}

func runUnsubscribe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("unsubscribe")
	id := fs.String("id", "", "subscription ID")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}

	env, err := openEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.close()

	svc, err := env.service()
	if err != nil {
		return err
	}
	if err := svc.Unsubscribe(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %s\n", *id)
	return nil
}

func runReconcile(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("reconcile")
	if err := parse(fs, args); err != nil {
		return err
	}

	env, err := openEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.close()

	svc, err := env.service()
	if err != nil {
		return err
	}
	if err := svc.Reconcile(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "reconciled")
	return nil
}

func runSign(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("sign")
	secret := fs.String("secret", "", "subscription secret")
	messageID := fs.String("message-id", "", "value of the X-Message-Id header")
	timestamp := fs.String("timestamp", "", "value of the X-Message-Timestamp header")
	bodyPath := fs.String("body", "-", "file holding the raw request body, - for stdin")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *secret == "" || *messageID == "" || *timestamp == "" {
		return errors.New("--secret, --message-id and --timestamp are required")
	}

	body, err := readBody(*bodyPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, twitch.Sign(*secret, *messageID, *timestamp, body))
	return nil
}

func readBody(path string) ([]byte, error) {
	if path == "-" {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}
