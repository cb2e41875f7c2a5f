package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"oyamarket/config"
	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
	"oyamarket/services/indexer"
	"oyamarket/services/recon"
)

var cliNow = time.Now

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "order":
		return runOrderCommand(args[1:], stdout, stderr)
	case "controller":
		return runControllerCommand(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "jwt":
		return runIssueJWT(args[1:], stdout, stderr)
	case "report":
		return runReport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: oyactl <command> [subcommand] [flags]",
		"",
		"Commands:",
		"  token deploy|list|get|mint|transfer|approve|grant|balance",
		"  order create|list|get|track|cancel|accept|accept-item|refund|settle|index|history",
		"  controller get|set",
		"  events      list recent events",
		"  jwt         issue a development bearer token",
		"  report      write settlement reports from an index database",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(w io.Writer, err error) int {
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

// call runs fn against the API and prints the JSON response.
func call(stdout, stderr io.Writer, fn func(ctx context.Context) (json.RawMessage, error)) int {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	raw, err := fn(ctx)
	if err != nil {
		return printError(stderr, err)
	}
	printJSON(stdout, raw)
	return 0
}

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	sub := args[0]
	fs := newFlagSet("token "+sub, stderr)
	conn := registerClientFlags(fs)
	token := fs.String("address", "", "token address")
	symbol := fs.String("symbol", "", "token symbol")
	name := fs.String("name", "", "token name")
	decimals := fs.Uint("decimals", 18, "token decimals")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount in base units")
	spender := fs.String("spender", "", "spender address")
	role := fs.String("role", "MINTER_ROLE", "role name")
	account := fs.String("account", "", "account address")
	revoke := fs.Bool("revoke", false, "revoke instead of grant")
	owner := fs.String("owner", "", "balance owner")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	c := conn.client()
	tokenPath := "/v1/tokens/" + url.PathEscape(*token)

	switch sub {
	case "deploy":
		if err := requireFlag("symbol", *symbol); err != nil {
			return printError(stderr, err)
		}
		if *decimals > 255 {
			return printError(stderr, errors.New("--decimals must fit in a byte"))
		}
		body := map[string]interface{}{"symbol": *symbol, "name": *name, "decimals": *decimals}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, "/v1/tokens/", body)
		})
	case "list":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, "/v1/tokens/")
		})
	}

	if err := requireFlag("address", *token); err != nil {
		return printError(stderr, err)
	}
	switch sub {
	case "get":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, tokenPath+"/")
		})
	case "mint", "transfer":
		if err := requireFlag("to", *to); err != nil {
			return printError(stderr, err)
		}
		if err := requireFlag("amount", *amount); err != nil {
			return printError(stderr, err)
		}
		body := map[string]string{"to": *to, "amount": *amount}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, tokenPath+"/"+sub, body)
		})
	case "approve":
		if err := requireFlag("spender", *spender); err != nil {
			return printError(stderr, err)
		}
		if err := requireFlag("amount", *amount); err != nil {
			return printError(stderr, err)
		}
		body := map[string]string{"spender": *spender, "amount": *amount}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, tokenPath+"/approve", body)
		})
	case "grant":
		if err := requireFlag("account", *account); err != nil {
			return printError(stderr, err)
		}
		body := map[string]interface{}{"role": *role, "account": *account, "revoke": *revoke}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, tokenPath+"/roles", body)
		})
	case "balance":
		if err := requireFlag("owner", *owner); err != nil {
			return printError(stderr, err)
		}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, tokenPath+"/balances/"+url.PathEscape(*owner))
		})
	default:
		fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", sub)
		return 1
	}
}

var orderActions = map[string]string{
	"cancel":      "cancel",
	"accept":      "accept",
	"accept-item": "accept-item",
	"refund":      "refund",
}

func runOrderCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	sub := args[0]
	fs := newFlagSet("order "+sub, stderr)
	conn := registerClientFlags(fs)
	id := fs.String("id", "", "order address")
	buyer := fs.String("buyer", "", "buyer address, defaults to the caller")
	seller := fs.String("seller", "", "seller address")
	token := fs.String("value-token", "", "value token address")
	amount := fs.String("amount", "", "amount in base units")
	aux := fs.String("aux-token", "", "auxiliary token address")
	carrier := fs.String("carrier", "", "carrier name")
	tracking := fs.String("tracking", "", "tracking number")
	winner := fs.String("winner", "", "dispute winner address")
	party := fs.String("party", "", "filter indexed orders by buyer or seller")
	stateFilter := fs.String("state", "", "filter indexed orders by state")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	c := conn.client()
	orderPath := "/v1/orders/" + url.PathEscape(*id)

	switch sub {
	case "create":
		for _, f := range [][2]string{{"seller", *seller}, {"value-token", *token}, {"amount", *amount}} {
			if err := requireFlag(f[0], f[1]); err != nil {
				return printError(stderr, err)
			}
		}
		body := map[string]string{"buyer": *buyer, "seller": *seller, "token": *token, "amount": *amount, "auxToken": *aux}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, "/v1/orders/", body)
		})
	case "list":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, "/v1/orders/")
		})
	case "index":
		q := url.Values{}
		if *party != "" {
			q.Set("party", *party)
		}
		if *stateFilter != "" {
			q.Set("state", *stateFilter)
		}
		path := "/v1/index/orders/"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, path)
		})
	}

	if err := requireFlag("id", *id); err != nil {
		return printError(stderr, err)
	}
	switch sub {
	case "get":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, orderPath+"/")
		})
	case "history":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, "/v1/index/orders/"+url.PathEscape(*id)+"/history")
		})
	case "track":
		if *carrier == "" && *tracking == "" {
			return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
				return c.get(ctx, orderPath+"/tracking")
			})
		}
		body := map[string]string{"carrier": *carrier, "trackingId": *tracking}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, orderPath+"/tracking", body)
		})
	case "settle":
		if err := requireFlag("winner", *winner); err != nil {
			return printError(stderr, err)
		}
		body := map[string]string{"winner": *winner}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, orderPath+"/settle", body)
		})
	}
	if action, ok := orderActions[sub]; ok {
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.post(ctx, orderPath+"/"+action, struct{}{})
		})
	}
	fmt.Fprintf(stderr, "Unknown order subcommand: %s\n", sub)
	return 1
}

func runControllerCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	sub := args[0]
	fs := newFlagSet("controller "+sub, stderr)
	conn := registerClientFlags(fs)
	field := fs.String("field", "", "rewardToken, arbitrator or rewardAmount")
	value := fs.String("value", "", "new value")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	c := conn.client()
	switch sub {
	case "get":
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, "/v1/controller/")
		})
	case "set":
		if err := requireFlag("field", *field); err != nil {
			return printError(stderr, err)
		}
		body := map[string]string{"value": *value}
		return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
			return c.put(ctx, "/v1/controller/"+url.PathEscape(*field), body)
		})
	default:
		fmt.Fprintf(stderr, "Unknown controller subcommand: %s\n", sub)
		return 1
	}
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	conn := registerClientFlags(fs)
	eventType := fs.String("type", "", "comma separated event types, a trailing * matches by prefix")
	cursor := fs.Uint64("cursor", 0, "only events after this sequence")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	q := url.Values{}
	if *eventType != "" {
		q.Set("type", *eventType)
	}
	if *cursor > 0 {
		q.Set("cursor", fmt.Sprint(*cursor))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	c := conn.client()
	return call(stdout, stderr, func(ctx context.Context) (json.RawMessage, error) {
		return c.get(ctx, path)
	})
}

func runIssueJWT(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("jwt", stderr)
	configPath := fs.String("config", "", "node configuration providing the auth section")
	secret := fs.String("secret", os.Getenv("OYA_AUTH_HMAC_SECRET"), "HMAC secret, overrides the config")
	subject := fs.String("subject", "", "caller address to embed")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := requireFlag("subject", *subject); err != nil {
		return printError(stderr, err)
	}
	addr, err := crypto.ParseAddress(*subject)
	if err != nil {
		return printError(stderr, err)
	}
	authCfg := middleware.AuthConfig{Enabled: true}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return printError(stderr, err)
		}
		authCfg.HMACSecret = cfg.Auth.HMACSecret
		authCfg.Issuer = cfg.Auth.Issuer
		authCfg.Audience = cfg.Auth.Audience
	}
	if *secret != "" {
		authCfg.HMACSecret = *secret
	}
	if err := requireFlag("secret", authCfg.HMACSecret); err != nil {
		return printError(stderr, err)
	}
	token, err := middleware.IssueToken(authCfg, addr, *ttl, cliNow())
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runReport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("report", stderr)
	driver := fs.String("driver", "sqlite", "index database driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "index database DSN")
	out := fs.String("out", "reports", "output directory")
	start := fs.String("start", "", "window start (RFC3339), defaults to 24h before --end")
	end := fs.String("end", "", "window end (RFC3339), defaults to now")
	controller := fs.String("controller", "", "only orders of this controller")
	dryRun := fs.Bool("dry-run", false, "compute the summary without writing files")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := requireFlag("dsn", *dsn); err != nil {
		return printError(stderr, err)
	}
	endAt := cliNow().UTC()
	if *end != "" {
		parsed, err := time.Parse(time.RFC3339, *end)
		if err != nil {
			return printError(stderr, fmt.Errorf("--end: %w", err))
		}
		endAt = parsed
	}
	startAt := endAt.Add(-24 * time.Hour)
	if *start != "" {
		parsed, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			return printError(stderr, fmt.Errorf("--start: %w", err))
		}
		startAt = parsed
	}

	db, err := indexer.Open(*driver, *dsn)
	if err != nil {
		return printError(stderr, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     indexer.NewStore(db),
		OutputDir: *out,
		Alert: func(_ context.Context, a recon.Anomaly) error {
			fmt.Fprintf(stderr, "anomaly %s order=%s %s\n", a.Type, a.OrderID, a.Details)
			return nil
		},
	})
	if err != nil {
		return printError(stderr, err)
	}
	res, err := reconciler.Run(context.Background(), recon.RunOptions{
		Start:      startAt,
		End:        endAt,
		Controller: *controller,
		DryRun:     *dryRun,
	})
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "run %s: %d settled orders, %d anomalies\n", res.RunID, len(res.Rows), len(res.Anomalies))
	for _, file := range res.Files {
		fmt.Fprintf(stdout, "%s\t%d\t%s\t%s\n", file.Token, file.Count, file.CSVPath, file.ParquetPath)
	}
	return 0
}
