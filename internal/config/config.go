package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	DatabaseURL              string   `yaml:"databaseURL"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	JWKSURL                  string   `yaml:"jwksURL"`
	JWTIssuer                string   `yaml:"jwtIssuer"`
	JWTAudience              string   `yaml:"jwtAudience"`
	JWTLeeway                string   `yaml:"jwtLeeway"`
	GeminiAPIKey             string   `yaml:"geminiApiKey"`
	GeminiModel              string   `yaml:"geminiModel"`
	OCRTimeout               string   `yaml:"ocrTimeout"`
	MaxUploadBytes           int64    `yaml:"maxUploadBytes"`
	AllowedExtensions        []string `yaml:"allowedExtensions"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	VerifyRateLimitPerMinute int      `yaml:"verifyRateLimitPerMinute"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
	MinioEndpoint            string   `yaml:"minioEndpoint"`
	MinioAccessKey           string   `yaml:"minioAccessKey"`
	MinioSecretKey           string   `yaml:"minioSecretKey"`
	MinioBucket              string   `yaml:"minioBucket"`
	MinioUseSSL              bool     `yaml:"minioUseSSL"`
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
	if v := os.Getenv("OCRDESK_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("OCRDESK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("OCRDESK_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("OCRDESK_OCR_TIMEOUT"); v != "" {
		cfg.OCRTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("OCRDESK_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("OCRDESK_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("OCRDESK_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("OCRDESK_VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("OCRDESK_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
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
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or OCRDESK_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.JWTIssuer) == "" {
		return errors.New("config: jwtIssuer is required (set in config.yaml or JWT_ISSUER)")
	}
	if strings.TrimSpace(cfg.JWTAudience) == "" {
		return errors.New("config: jwtAudience is required (set in config.yaml or JWT_AUDIENCE)")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return errors.New("config: geminiApiKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.VerifyRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required when minioEndpoint is set")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseOCRTimeout parses the optional delegate deadline. Empty selects the
// application default.
func ParseOCRTimeout(timeoutStr string) (time.Duration, error) {
	if timeoutStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return 0, fmt.Errorf("invalid ocrTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("ocrTimeout must be > 0")
	}
	return dur, nil
}
