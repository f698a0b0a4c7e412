package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/service/pipeline"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction

	defaultProviderAddr = "http://localhost:3000"

	defaultMinioEndpoint = "localhost:9000"
	defaultMinioBucket   = "printmint"

	defaultWorkers         = 4
	defaultPollInterval    = 5 * time.Second
	defaultRunCeiling      = 5 * time.Minute
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Default pipeline prices in credits
var defaultCosts = pipeline.Costs{
	Mockup:            25,
	ProductImage:      30,
	FigurineConcept:   40,
	FigurineAngles:    60,
	FigurineConvert:   80,
	LicensePersonal:   100,
	LicenseCommercial: 400,
}

type Config struct {
	// Default logging level
	LogLevel string

	// Environment (dev, prod)
	Environment string

	// Address on which the service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secret key
	// Some internal parts (like signing JWT tokens) uses symmetric encryption, so this key is used for that purpose
	SecretKey string

	// Inference provider API
	ProviderAddr  string
	ProviderToken string

	// Artifact object store
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Generation pipeline knobs
	Workers      int
	PollInterval time.Duration
	RunCeiling   time.Duration

	Costs pipeline.Costs

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		Environment:     defaultEnvironment,
		ListenAddr:      defaultListenAddr,
		ProviderAddr:    defaultProviderAddr,
		MinioEndpoint:   defaultMinioEndpoint,
		MinioBucket:     defaultMinioBucket,
		Workers:         defaultWorkers,
		PollInterval:    defaultPollInterval,
		RunCeiling:      defaultRunCeiling,
		Costs:           defaultCosts,
		AccessTokenTTL:  defaultAccessTokenTTL,
		RefreshTokenTTL: defaultRefreshTokenTTL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setInt := func(o *int) func(value string) {
		return func(value string) {
			if n, err := strconv.Atoi(value); err == nil {
				*o = n
			}
		}
	}
	setInt64 := func(o *int64) func(value string) {
		return func(value string) {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				*o = n
			}
		}
	}
	setBool := func(o *bool) func(value string) {
		return func(value string) {
			if b, err := strconv.ParseBool(value); err == nil {
				*o = b
			}
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if d, err := time.ParseDuration(value); err == nil {
				*o = d
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":  setString(&c.ListenAddr),
		"DATABASE_URI": setString(&c.DatabaseDSN),
		"SECRET_KEY":   setString(&c.SecretKey),
		"LOG_LEVEL":    setString(&c.LogLevel),
		"ENVIRONMENT":  setString(&c.Environment),

		"PROVIDER_ADDRESS": setString(&c.ProviderAddr),
		"PROVIDER_TOKEN":   setString(&c.ProviderToken),

		"MINIO_ENDPOINT":   setString(&c.MinioEndpoint),
		"MINIO_ACCESS_KEY": setString(&c.MinioAccessKey),
		"MINIO_SECRET_KEY": setString(&c.MinioSecretKey),
		"MINIO_BUCKET":     setString(&c.MinioBucket),
		"MINIO_USE_SSL":    setBool(&c.MinioUseSSL),

		"GENERATION_WORKERS":       setInt(&c.Workers),
		"GENERATION_POLL_INTERVAL": setDuration(&c.PollInterval),
		"GENERATION_RUN_CEILING":   setDuration(&c.RunCeiling),

		"COST_MOCKUP":             setInt64(&c.Costs.Mockup),
		"COST_PRODUCT_IMAGE":      setInt64(&c.Costs.ProductImage),
		"COST_FIGURINE_CONCEPT":   setInt64(&c.Costs.FigurineConcept),
		"COST_FIGURINE_ANGLES":    setInt64(&c.Costs.FigurineAngles),
		"COST_FIGURINE_CONVERT":   setInt64(&c.Costs.FigurineConvert),
		"COST_LICENSE_PERSONAL":   setInt64(&c.Costs.LicensePersonal),
		"COST_LICENSE_COMMERCIAL": setInt64(&c.Costs.LicenseCommercial),

		"ACCESS_TOKEN_TTL":  setDuration(&c.AccessTokenTTL),
		"REFRESH_TOKEN_TTL": setDuration(&c.RefreshTokenTTL),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("printmint", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.ProviderAddr, "provider", "p", c.ProviderAddr, "Inference provider address")
	fs.IntVarP(&c.Workers, "workers", "w", c.Workers, "Generation worker count")

	return fs.Parse(args)
}
