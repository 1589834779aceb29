package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`
	RedisAddr   string `yaml:"redisAddr"`
	CatalogURL  string `yaml:"catalogURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	ChainRPCURL         string `yaml:"chainRpcUrl"`
	ControllerAddress   string `yaml:"controllerAddress"`
	ChainID             int64  `yaml:"chainId"`
	Confirmations       uint64 `yaml:"confirmations"`
	ChainTimeoutSeconds int    `yaml:"chainTimeoutSeconds"`

	FreeChapters   int    `yaml:"freeChapters"`
	UnlockPriceTIP string `yaml:"unlockPriceTip"`

	InternalJWTKeyID            string `yaml:"internalJwtKeyId"`
	InternalJWTPrivateKeyPath   string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string `yaml:"internalJwtVerifyPublicKeys"`

	UnlockRateLimitPerMinute int `yaml:"unlockRateLimitPerMinute"`
	ContentURLTTLSeconds     int `yaml:"contentUrlTtlSeconds"`
	ReconcileConcurrency     int `yaml:"reconcileConcurrency"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CATALOG_URL"); v != "" {
		cfg.CatalogURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.ChainRPCURL = v
	}
	if v := os.Getenv("CONTROLLER_ADDRESS"); v != "" {
		cfg.ControllerAddress = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = n
		}
	}
	if v := os.Getenv("CHAIN_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Confirmations = n
		}
	}
	if v := os.Getenv("ACCESS_FREE_CHAPTERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FreeChapters = n
		}
	}
	if v := os.Getenv("ACCESS_UNLOCK_PRICE_TIP"); v != "" {
		cfg.UnlockPriceTIP = v
	}
	if v := os.Getenv("ACCESS_UNLOCK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UnlockRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml)")
	}
	if cfg.CatalogURL == "" {
		return errors.New("config: catalogURL is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.ChainRPCURL == "" {
		return errors.New("config: chainRpcUrl is required (set in config.yaml)")
	}
	if cfg.ControllerAddress == "" {
		return errors.New("config: controllerAddress is required (set in config.yaml)")
	}
	if cfg.ChainID <= 0 {
		return errors.New("config: chainId must be positive")
	}
	if cfg.FreeChapters < 0 {
		return errors.New("config: freeChapters must be >= 0")
	}
	if cfg.InternalJWTPrivateKeyPath == "" {
		return errors.New("config: internalJwtPrivateKeyPath is required (set in config.yaml)")
	}
	if cfg.InternalJWTPublicKeyPath == "" && cfg.InternalJWTVerifyPublicKeys == "" {
		return errors.New("config: internalJwtPublicKeyPath or internalJwtVerifyPublicKeys is required")
	}
	return nil
}
