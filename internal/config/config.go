package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notify string `mapstructure:"notify"`
}

// BackendConfig 生成后端配置
type BackendConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	APIKey               string `mapstructure:"api_key"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	MaxRetries           int    `mapstructure:"max_retries"`
	RetryDelaySeconds    int    `mapstructure:"retry_delay_seconds"`
	QuotaCooldownMinutes int    `mapstructure:"quota_cooldown_minutes"`
}

// PaymentConfig 支付服务商配置
type PaymentConfig struct {
	BaseURL       string   `mapstructure:"base_url"`
	ShopID        string   `mapstructure:"shop_id"`
	SecretKey     string   `mapstructure:"secret_key"`
	VerifyWithAPI bool     `mapstructure:"verify_with_api"`
	AllowedIPs    []string `mapstructure:"allowed_ips"` // webhook 来源 IP 白名单，支持 CIDR
}

type BusinessConfig struct {
	GenerationCost           int64  `mapstructure:"generation_cost"`
	MaxQueueSize             int64  `mapstructure:"max_queue_size"`
	MaxConcurrentPerUser     int64  `mapstructure:"max_concurrent_per_user"`
	RateLimitPerHour         int    `mapstructure:"rate_limit_per_hour"`
	TopupLimitPerHour        int    `mapstructure:"topup_limit_per_hour"`
	GenerationTimeoutSeconds int    `mapstructure:"generation_timeout_seconds"`
	WatchdogIntervalSeconds  int    `mapstructure:"watchdog_interval_seconds"`
	WorkerCount              int    `mapstructure:"worker_count"`
	WelcomeCredits           int64  `mapstructure:"welcome_credits"`
	ReferralBonusCredits     int64  `mapstructure:"referral_bonus_credits"`
	ReferralRewardCapPerDay  int64  `mapstructure:"referral_reward_cap_per_day"`
	MaxRetryCount            int    `mapstructure:"max_retry_count"`
	AdminToken               string `mapstructure:"admin_token"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
