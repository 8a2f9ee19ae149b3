// Package config loads the engine's runtime configuration: env vars with
// defaults, then an optional AWS Secrets Manager overlay for credentials.
// Grounded on the teacher's config/config.go two-stage LoadConfig pattern.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	Exchange ExchangeConfig
	Telegram TelegramConfig
	Trading  TradingConfig
}

// ExchangeConfig holds exchange connectivity and credentials.
type ExchangeConfig struct {
	BaseURL   string
	WSURL     string
	PrivateWS string
	APIKey    string
	APISecret string
	Quote     string
}

// TelegramConfig holds the notifier's outbound destination.
type TelegramConfig struct {
	Token  string
	ChatID string
}

// TradingConfig holds the engine's symbol universe and risk knobs.
type TradingConfig struct {
	Symbols            []string
	EntryTimeframe     string // e.g. "15"
	StructureTimeframe string // e.g. "60"
	BiasTimeframe      string // e.g. "240"
	AccountBalance     float64
	MaxRiskPerTrade    float64
	MaxDailyLossPct    float64
	MaxOpenPositions   int
	CycleInterval      int // seconds
	UseBollinger       bool
	EnablePrivateFeed  bool

	// The following apply uniformly to every configured symbol; spec.md §3's
	// SymbolParams is per-symbol in principle, but this engine has no
	// instrument-metadata service to source per-symbol qty_step/tick_size
	// from, so they're read as flat engine-wide defaults instead.
	MinGapPct       float64
	MinVolMult      float64
	FVGLookback     int
	SLATRMult       float64
	TPMult          float64
	TimeStopCandles int
	QtyStep         float64
	TickSize        float64
}

// secretPayload mirrors the teacher's AwsSecretData shape, generalized to
// this engine's credentials.
type secretPayload struct {
	BybitAPIKey     string `json:"BYBIT_API_KEY"`
	BybitAPISecret  string `json:"BYBIT_SECRET"`
	TelegramToken   string `json:"TELEGRAM_TOKEN"`
	TelegramChatID  string `json:"TELEGRAM_CHAT_ID"`
}

// requiredEnv names the variables spec.md §6 says are fatal at startup when
// missing.
var requiredEnv = []string{"BYBIT_API_KEY", "BYBIT_SECRET", "TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID"}

// Load builds Config from environment variables, optionally overlaid with
// an AWS Secrets Manager payload when AWS_SECRET_NAME is set. It returns an
// error (instead of the teacher's log.Fatalf) so the caller in cmd/tradebot
// owns the exit-code decision, per spec.md §6: "process exits non-zero only
// on startup misconfiguration."
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			BaseURL:   getEnv("BYBIT_BASE_URL", "https://api.bybit.com"),
			WSURL:     getEnv("BYBIT_WS_URL", "wss://stream.bybit.com/v5/public/linear"),
			PrivateWS: getEnv("BYBIT_PRIVATE_WS_URL", "wss://stream.bybit.com/v5/private"),
			APIKey:    getEnv("BYBIT_API_KEY", ""),
			APISecret: getEnv("BYBIT_SECRET", ""),
			Quote:     getEnv("QUOTE_CURRENCY", "USDT"),
		},
		Telegram: TelegramConfig{
			Token:  getEnv("TELEGRAM_TOKEN", ""),
			ChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		},
		Trading: TradingConfig{
			Symbols:            getEnvAsList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
			EntryTimeframe:     getEnv("ENTRY_TIMEFRAME", "15"),
			StructureTimeframe: getEnv("STRUCTURE_TIMEFRAME", "60"),
			BiasTimeframe:      getEnv("BIAS_TIMEFRAME", "240"),
			AccountBalance:     getEnvAsFloat("ACCOUNT_BALANCE", 10000),
			MaxRiskPerTrade:    getEnvAsFloat("MAX_RISK_PER_TRADE", 0.01),
			MaxDailyLossPct:    getEnvAsFloat("MAX_DAILY_LOSS_PCT", 0.03),
			MaxOpenPositions:   getEnvAsInt("MAX_OPEN_POSITIONS", 2),
			CycleInterval:      getEnvAsInt("CYCLE_INTERVAL_SECONDS", 60),
			UseBollinger:       getEnvAsBool("USE_BOLLINGER", false),
			EnablePrivateFeed:  getEnvAsBool("ENABLE_PRIVATE_FEED", false),
			MinGapPct:          getEnvAsFloat("MIN_GAP_PCT", 0.001),
			MinVolMult:         getEnvAsFloat("MIN_VOL_MULT", 1.5),
			FVGLookback:        getEnvAsInt("FVG_LOOKBACK", 10),
			SLATRMult:          getEnvAsFloat("SL_ATR_MULT", 1.0),
			TPMult:             getEnvAsFloat("TP_MULT", 2.0),
			TimeStopCandles:    getEnvAsInt("TIME_STOP_CANDLES", 28),
			QtyStep:            getEnvAsFloat("QTY_STEP", 0.001),
			TickSize:           getEnvAsFloat("TICK_SIZE", 0.01),
		},
	}

	if secretName := os.Getenv("AWS_SECRET_NAME"); secretName != "" {
		secrets, err := fetchAWSSecrets(ctx, secretName)
		if err != nil {
			return nil, fmt.Errorf("config: fetch aws secrets: %w", err)
		}
		if secrets.BybitAPIKey != "" {
			cfg.Exchange.APIKey = secrets.BybitAPIKey
		}
		if secrets.BybitAPISecret != "" {
			cfg.Exchange.APISecret = secrets.BybitAPISecret
		}
		if secrets.TelegramToken != "" {
			cfg.Telegram.Token = secrets.TelegramToken
		}
		if secrets.TelegramChatID != "" {
			cfg.Telegram.ChatID = secrets.TelegramChatID
		}
	}

	if err := cfg.validateRequired(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateRequired() error {
	values := map[string]string{
		"BYBIT_API_KEY":    c.Exchange.APIKey,
		"BYBIT_SECRET":     c.Exchange.APISecret,
		"TELEGRAM_TOKEN":   c.Telegram.Token,
		"TELEGRAM_CHAT_ID": c.Telegram.ChatID,
	}
	var missing []string
	for _, name := range requiredEnv {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func fetchAWSSecrets(ctx context.Context, secretName string) (secretPayload, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return secretPayload{}, fmt.Errorf("load aws sdk config: %w", err)
	}

	svc := secretsmanager.NewFromConfig(awsCfg)
	result, err := svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return secretPayload{}, fmt.Errorf("get secret value %q: %w", secretName, err)
	}

	var payload secretPayload
	if result.SecretString != nil {
		if err := json.Unmarshal([]byte(*result.SecretString), &payload); err != nil {
			return secretPayload{}, fmt.Errorf("unmarshal secret json: %w", err)
		}
	}
	return payload, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
