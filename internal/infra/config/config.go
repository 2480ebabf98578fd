package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig describes the gateway configuration.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	API struct {
		Token string `envconfig:"API_TOKEN"`
	} `envconfig:""`

	Bakong struct {
		BaseURL     string        `envconfig:"BAKONG_BASE_URL" default:"https://api-bakong.nbc.gov.kh"`
		AccessToken string        `envconfig:"BAKONG_ACCESS_TOKEN"`
		TokenEmail  string        `envconfig:"BAKONG_TOKEN_EMAIL"`
		Timeout     time.Duration `envconfig:"BAKONG_TIMEOUT" default:"5s"`
		ProxyURL    string        `envconfig:"BAKONG_PROXY_URL"`
		TunnelAddr  string        `envconfig:"BAKONG_TUNNEL_ADDR"`
		UseTunnel   bool          `envconfig:"BAKONG_USE_TUNNEL"`
	} `envconfig:""`

	Merchant struct {
		Provider  string `envconfig:"MERCHANT_PROVIDER" default:"bakong"`
		AccountID string `envconfig:"MERCHANT_ACCOUNT_ID"`
		Name      string `envconfig:"MERCHANT_NAME"`
		City      string `envconfig:"MERCHANT_CITY" default:"Phnom Penh"`
		Phone     string `envconfig:"MERCHANT_PHONE"`
		Email     string `envconfig:"MERCHANT_EMAIL"`
		Address   string `envconfig:"MERCHANT_ADDRESS"`
	} `envconfig:""`

	Telegram struct {
		Token  string `envconfig:"TG_BOT_TOKEN"`
		ChatID int64  `envconfig:"TG_CHAT_ID"`
	} `envconfig:""`
}

// Load reads the config from the environment.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
