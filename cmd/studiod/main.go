package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/internal/httpapi"
	"github.com/MarkoPoloResearchLab/studio/internal/maintenance"
	"github.com/MarkoPoloResearchLab/studio/internal/media"
	"github.com/MarkoPoloResearchLab/studio/internal/observability"
	"github.com/MarkoPoloResearchLab/studio/internal/provider"
	"github.com/MarkoPoloResearchLab/studio/internal/studio"
	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

const (
	flagEnvFile             = "env-file"
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagMongoDatabase       = "mongo-database"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagStartingCredits     = "starting-credits"
	flagAdminToken          = "admin-token"
	flagPromoCodes          = "promo-codes"
	flagProviderBaseURL     = "provider-base-url"
	flagProviderToken       = "provider-token"
	flagProviderTimeout     = "provider-timeout"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagS3Bucket            = "s3-bucket"
	flagS3Region            = "s3-region"
	flagS3Endpoint          = "s3-endpoint"
	flagS3AccessKey         = "s3-access-key"
	flagS3SecretKey         = "s3-secret-key"
	flagS3PublicBaseURL     = "s3-public-base-url"
	flagS3PathStyle         = "s3-path-style"
	flagS3Prefix            = "s3-prefix"
	flagRateLimitRPS        = "rate-limit-rps"
	flagRateLimitBurst      = "rate-limit-burst"
	flagStaleAfter          = "stale-after"
	flagSweepSchedule       = "sweep-schedule"
	envPrefix               = "STUDIO"
	defaultEnvFile          = ".env"
	defaultDatabaseURL      = "sqlite:///tmp/studio.db"
	defaultMongoDatabase    = "studio"
)

var boundFlags = []string{
	flagListenAddr, flagDatabaseURL, flagMongoDatabase, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagStartingCredits,
	flagAdminToken, flagPromoCodes, flagProviderBaseURL, flagProviderToken,
	flagProviderTimeout, flagStripeWebhookSecret, flagS3Bucket, flagS3Region,
	flagS3Endpoint, flagS3AccessKey, flagS3SecretKey, flagS3PublicBaseURL,
	flagS3PathStyle, flagS3Prefix, flagRateLimitRPS, flagRateLimitBurst,
	flagStaleAfter, flagSweepSchedule,
}

type runtimeConfig struct {
	HTTP            httpapi.Config
	DatabaseURL     string
	MongoDatabase   string
	StartingCredits int64
	PromoCodes      string
	Provider        provider.Config
	Media           media.Config
	Sweep           maintenance.Config
}

// mediaEnabled reports whether produced media should be copied to S3.
func (cfg runtimeConfig) mediaEnabled() bool {
	return cfg.Media.Bucket != ""
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studiod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "studiod",
		Short:         "Credits ledger and generation bookkeeping API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite://, postgres://, mysql:// or mongodb:// connection string")
	cmd.Flags().String(flagMongoDatabase, defaultMongoDatabase, "MongoDB database name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Int64(flagStartingCredits, ledger.DefaultStartingBalance, "credits granted to a new account")
	cmd.Flags().String(flagAdminToken, "", "token required by the /admin routes; empty disables them")
	cmd.Flags().String(flagPromoCodes, "", "promo codes as CODE=fraction pairs, e.g. SPRING=0.15")
	cmd.Flags().String(flagProviderBaseURL, "", "generation provider base URL; empty disables provider runs")
	cmd.Flags().String(flagProviderToken, "", "generation provider API token")
	cmd.Flags().Duration(flagProviderTimeout, 0, "generation provider HTTP timeout")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret; empty disables the webhook")
	cmd.Flags().String(flagS3Bucket, "", "bucket for mirrored media; empty disables mirroring")
	cmd.Flags().String(flagS3Region, "", "S3 region")
	cmd.Flags().String(flagS3Endpoint, "", "S3 compatible endpoint")
	cmd.Flags().String(flagS3AccessKey, "", "S3 access key")
	cmd.Flags().String(flagS3SecretKey, "", "S3 secret key")
	cmd.Flags().String(flagS3PublicBaseURL, "", "public base URL of the media bucket")
	cmd.Flags().Bool(flagS3PathStyle, false, "use path-style S3 addressing")
	cmd.Flags().String(flagS3Prefix, "", "object key prefix for mirrored media")
	cmd.Flags().Float64(flagRateLimitRPS, 0, "generation and message requests per second per account; 0 disables")
	cmd.Flags().Int(flagRateLimitBurst, 0, "rate limit burst")
	cmd.Flags().Duration(flagStaleAfter, maintenance.DefaultStaleAfter, "age after which unfinished generations are failed and refunded")
	cmd.Flags().String(flagSweepSchedule, maintenance.DefaultSchedule, "cron schedule of the stale generation sweep")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.HTTP = httpapi.Config{
		ListenAddr:          strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:      httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:   v.GetString(flagJWTSigningKey),
		SessionIssuer:       strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName:   strings.TrimSpace(v.GetString(flagJWTCookieName)),
		AdminToken:          v.GetString(flagAdminToken),
		StripeWebhookSecret: v.GetString(flagStripeWebhookSecret),
		RateLimitPerSecond:  v.GetFloat64(flagRateLimitRPS),
		RateLimitBurst:      v.GetInt(flagRateLimitBurst),
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.MongoDatabase = strings.TrimSpace(v.GetString(flagMongoDatabase))
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = defaultMongoDatabase
	}
	cfg.StartingCredits = v.GetInt64(flagStartingCredits)
	if cfg.StartingCredits < 0 {
		return fmt.Errorf("%s must not be negative", flagStartingCredits)
	}
	cfg.PromoCodes = strings.TrimSpace(v.GetString(flagPromoCodes))
	cfg.Provider = provider.Config{
		BaseURL: strings.TrimSpace(v.GetString(flagProviderBaseURL)),
		Token:   v.GetString(flagProviderToken),
		Timeout: v.GetDuration(flagProviderTimeout),
	}
	cfg.Media = media.Config{
		Endpoint:      strings.TrimSpace(v.GetString(flagS3Endpoint)),
		Region:        strings.TrimSpace(v.GetString(flagS3Region)),
		AccessKey:     v.GetString(flagS3AccessKey),
		SecretKey:     v.GetString(flagS3SecretKey),
		Bucket:        strings.TrimSpace(v.GetString(flagS3Bucket)),
		PublicBaseURL: strings.TrimSpace(v.GetString(flagS3PublicBaseURL)),
		UsePathStyle:  v.GetBool(flagS3PathStyle),
		Prefix:        strings.TrimSpace(v.GetString(flagS3Prefix)),
	}
	cfg.Sweep = maintenance.Config{
		Schedule:   strings.TrimSpace(v.GetString(flagSweepSchedule)),
		StaleAfter: v.GetDuration(flagStaleAfter),
	}
	if cfg.mediaEnabled() && cfg.Provider.BaseURL == "" {
		return fmt.Errorf("%s requires %s", flagS3Bucket, flagProviderBaseURL)
	}

	return cfg.HTTP.Validate()
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, driver, err := openStorage(ctx, cfg.DatabaseURL, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if cleanupErr := cleanup(); cleanupErr != nil {
			logger.Warn("database close failed", zap.Error(cleanupErr))
		}
	}()
	logger.Info("storage ready", zap.String("driver", driver))

	recorder := observability.NewRecorder(logger)
	services, err := buildServices(cfg, store, recorder, logger)
	if err != nil {
		return err
	}

	sweeper, err := maintenance.NewSweeper(services.Generations, cfg.Sweep,
		maintenance.WithLogger(logger),
		maintenance.WithSweepObserver(recorder.ObserveSweep))
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan error, 1)
	go func() { sweepDone <- sweeper.Run(sweepCtx) }()

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.HTTP.SessionSigningKey),
		Issuer:     cfg.HTTP.SessionIssuer,
		CookieName: cfg.HTTP.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := httpapi.NewRouter(cfg.HTTP, services, validator, logger)
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	serveErr := httpapi.Serve(ctx, cfg.HTTP, router, logger)
	stopSweep()
	return errors.Join(serveErr, <-sweepDone)
}

func buildServices(cfg *runtimeConfig, store storage, recorder *observability.Recorder, logger *zap.Logger) (httpapi.Services, error) {
	clock := func() time.Time { return time.Now().UTC() }
	accounts, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(recorder),
		ledger.WithStartingBalance(cfg.StartingCredits))
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("ledger service init: %w", err)
	}
	tracker, err := generation.NewTracker(store, accounts, generation.WithLogger(logger))
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("generation tracker init: %w", err)
	}
	conversations, err := conversation.NewService(store, accounts, conversation.WithLogger(logger))
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("conversation service init: %w", err)
	}
	orderOptions := []order.ServiceOption{order.WithLogger(logger)}
	if cfg.PromoCodes != "" {
		discounts, err := order.ParsePercentDiscounts(cfg.PromoCodes)
		if err != nil {
			return httpapi.Services{}, fmt.Errorf("%s: %w", flagPromoCodes, err)
		}
		orderOptions = append(orderOptions, order.WithDiscountResolver(discounts))
	}
	orders, err := order.NewService(store, accounts, orderOptions...)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("order service init: %w", err)
	}

	services := httpapi.Services{
		Ledger:        accounts,
		Generations:   tracker,
		Conversations: conversations,
		Orders:        orders,
		Recorder:      recorder,
	}
	if cfg.Provider.BaseURL == "" {
		logger.Info("generation provider disabled")
		return services, nil
	}
	client, err := provider.NewClient(cfg.Provider, provider.WithLogger(logger))
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("provider client init: %w", err)
	}
	generatorOptions := []studio.Option{
		studio.WithLogger(logger),
		studio.WithRunObserver(recorder.ObserveGeneration),
	}
	if cfg.mediaEnabled() {
		mirror, err := media.NewMirror(cfg.Media, media.WithLogger(logger))
		if err != nil {
			return httpapi.Services{}, fmt.Errorf("media mirror init: %w", err)
		}
		generatorOptions = append(generatorOptions, studio.WithMediaMirror(mirror))
	}
	generator, err := studio.NewGenerator(tracker, client, generatorOptions...)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("generator init: %w", err)
	}
	services.Generator = generator
	return services, nil
}
