package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/toko-checkout/internal/apiclient"
	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

type rootOptions struct {
	apiURL    string
	redisURL  string
	session   string
	logLevel  string
	timeout   time.Duration
	pollEvery time.Duration
	attempts  int
}

// env wires one checkout for a command run.
type env struct {
	opts   *rootOptions
	api    *apiclient.Client
	redis  *redis.Client
	view   *console
	co     *reconcile.Checkout
	logger zerolog.Logger
}

func (o *rootOptions) open(cmd *cobra.Command) (*env, error) {
	if strings.TrimSpace(o.session) == "" {
		return nil, errors.New("--session is required")
	}
	redisOpts, err := redis.ParseURL(o.redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().Timestamp().Str("session", o.session).Logger()
	api := apiclient.New(o.apiURL, apiclient.Options{Timeout: 10 * time.Second, Logger: logger})
	view := &console{out: cmd.OutOrStdout()}
	poll := reconcile.DefaultPollerConfig()
	if o.pollEvery > 0 {
		poll.BaseDelay, poll.Interval = o.pollEvery, o.pollEvery
	}
	if o.attempts > 0 {
		poll.MaxAttempts = o.attempts
	}
	co := reconcile.New(api, reconcile.RedisStorage{R: rdb}, reconcile.RedisPush{R: rdb, Logger: logger}, view, reconcile.Options{
		SessionID:   o.session,
		RedirectURL: strings.TrimRight(o.apiURL, "/") + "/checkout/return",
		Poller:      poll,
		Logger:      logger,
	})
	return &env{opts: o, api: api, redis: rdb, view: view, co: co, logger: logger}, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.co.Session.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("session_flush_failed")
	}
	_ = e.redis.Close()
}

func (e *env) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if e.opts.timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), e.opts.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "checkout",
		Short:         "Run a storefront checkout against the checkout API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envOr("CHECKOUT_API_URL", "http://localhost:8080"), "checkout API base URL")
	flags.StringVar(&opts.redisURL, "redis", envOr("REDIS_URL", "redis://localhost:6379/0"), "Redis URL for session storage and status push")
	flags.StringVarP(&opts.session, "session", "s", os.Getenv("CHECKOUT_SESSION"), "shopper session id")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	flags.DurationVar(&opts.pollEvery, "poll-every", 0, "status poll interval (default from poller)")
	flags.IntVar(&opts.attempts, "attempts", 0, "status polls before reporting a timeout (default from poller)")

	root.AddCommand(submitCmd(opts), resumeCmd(opts), awaitCmd(opts), statusCmd(opts), flagsCmd(opts))
	return root
}

func submitCmd(opts *rootOptions) *cobra.Command {
	var (
		cartFile string
		form     checkout.Delivery
		method   string
		phone    string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit the checkout form and wait for the order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			ctx, cancel := e.context(cmd)
			defer cancel()

			var cart []checkout.CartLine
			if cartFile != "" {
				if cart, err = readCart(cartFile); err != nil {
					return err
				}
			}
			if _, err := e.co.Restore(ctx, cart); err != nil {
				return err
			}
			e.co.Update(func(s *checkout.Snapshot) {
				mergeForm(&s.Delivery, form)
				if method != "" {
					s.Method = checkout.ParseMethod(method)
				}
				if phone != "" {
					s.MobileMoneyPhone = phone
				}
			})
			if len(e.co.Snapshot().Cart) == 0 {
				e.view.NavigateHome()
				return nil
			}
			return e.co.Submit(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cartFile, "cart", "", "JSON file holding the cart lines")
	f.StringVar(&method, "method", "", "payment method: mtn_momo, airtel_money, card, wallet or cash_on_delivery")
	f.StringVar(&phone, "momo-phone", "", "mobile money phone number")
	f.StringVar(&form.Name, "name", "", "customer name")
	f.StringVar(&form.Email, "email", "", "customer email")
	f.StringVar(&form.Address, "address", "", "delivery address")
	f.StringVar(&form.City, "city", "", "delivery city")
	f.StringVar(&form.Phone, "phone", "", "delivery phone")
	f.StringVar(&form.Notes, "notes", "", "delivery notes")
	return cmd
}

func resumeCmd(opts *rootOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "resume <return-url>",
		Short: "Continue after the gateway sent the shopper back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse return url: %w", err)
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			ctx, cancel := e.context(cmd)
			defer cancel()

			if _, err := e.co.Restore(ctx, nil); err != nil {
				return err
			}
			if err := e.co.Resume(ctx, reconcile.ParseReturn(u.Query())); err != nil {
				return err
			}
			if !e.view.needsConfirmation() || !confirm {
				return nil
			}
			if err := e.co.ConfirmOrder(ctx); err != nil {
				return err
			}
			if e.view.placedOrder() == "" {
				return errors.New("order was not placed; run resume --confirm again once the payment settles")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "place the order when the gateway reports success")
	return cmd
}

func awaitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "await",
		Short: "Keep waiting on the session's pending payment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			ctx, cancel := e.context(cmd)
			defer cancel()

			if _, err := e.co.Restore(ctx, nil); err != nil {
				return err
			}
			return e.co.AwaitPayment(ctx)
		},
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <reference>",
		Short: "Print the server's view of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := apiclient.New(opts.apiURL, apiclient.Options{Timeout: 10 * time.Second, Logger: zerolog.Nop()})
			st, err := api.StatusByReference(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func flagsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "orders-enabled",
		Short: "Print whether the storefront accepts orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api := apiclient.New(opts.apiURL, apiclient.Options{Timeout: 10 * time.Second, Logger: zerolog.Nop()})
			flag, err := api.OrdersEnabled(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, flag)
		},
	}
}

func readCart(path string) ([]checkout.CartLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cart []checkout.CartLine
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("cart %s: %w", path, err)
	}
	return cart, nil
}

// mergeForm copies the non-empty fields of in onto dst so flags refine a
// restored form instead of wiping it.
func mergeForm(dst *checkout.Delivery, in checkout.Delivery) {
	set := func(d *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*d = v
		}
	}
	set(&dst.Name, in.Name)
	set(&dst.Email, in.Email)
	set(&dst.Address, in.Address)
	set(&dst.City, in.City)
	set(&dst.Phone, in.Phone)
	set(&dst.Notes, in.Notes)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shopperMessage(err error) string {
	var (
		create   *reconcile.OrderCreateError
		rejected *reconcile.GatewayRejectedError
		policy   *reconcile.PolicyBlockedError
		invalid  *reconcile.ValidationError
		network  *reconcile.NetworkError
	)
	switch {
	case errors.As(err, &create):
		return create.Message()
	case errors.As(err, &rejected):
		return rejected.Message
	case errors.As(err, &policy):
		return policy.Error()
	case errors.As(err, &invalid):
		fields := make([]string, 0, len(invalid.Fields))
		for k, v := range invalid.Fields {
			fields = append(fields, k+" ("+v+")")
		}
		return "please check " + strings.Join(fields, ", ")
	case errors.As(err, &network):
		return "could not reach the store, please try again"
	default:
		return err.Error()
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
