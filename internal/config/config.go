package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the call agent needs. Values come from the environment
// (optionally seeded from a .env file by the process entry point).
type Config struct {
	App       AppConfig
	Signaling SignalingConfig
	Redis     RedisConfig
	ChatLog   ChatLogConfig
	DB        DBConfig
	Auth      AuthConfig
	Media     MediaConfig
}

type AppConfig struct {
	Env  string
	Port int
	// AllowedOrigins lists browser origins allowed by CORS. Empty disables CORS handling.
	AllowedOrigins []string
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type SignalingConfig struct {
	// Backend is "memory" or "redis".
	Backend string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ChatLogConfig struct {
	// Backend is "memory" or "postgres".
	Backend string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type MediaConfig struct {
	STUNServers []string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepAlive           time.Duration

	// Device permission policy for the headless agent.
	AllowMicrophone bool
	AllowCamera     bool
}

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error
	collect := func(err error) {
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intEnv("APP_PORT", 0, true, collect)
	c.App.AllowedOrigins = listEnv("CORS_ALLOWED_ORIGINS")

	c.Signaling.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("SIGNALING_BACKEND")))
	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intEnv("REDIS_PORT", 6379, false, collect)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = intEnv("REDIS_DB", 0, false, collect)

	c.ChatLog.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("CHATLOG_BACKEND")))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intEnv("DB_PORT", 5432, false, collect)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = durationEnv("JWT_ACCESS_TTL", collect)
	c.Auth.RefreshTokenTTL = durationEnv("JWT_REFRESH_TTL", collect)

	c.Media.STUNServers = listEnv("WEBRTC_STUN_SERVERS")
	c.Media.ICEDisconnectedTimeout = durationEnv("WEBRTC_ICE_DISCONNECTED_TIMEOUT", collect)
	c.Media.ICEFailedTimeout = durationEnv("WEBRTC_ICE_FAILED_TIMEOUT", collect)
	c.Media.ICEKeepAlive = durationEnv("WEBRTC_ICE_KEEPALIVE", collect)
	c.Media.AllowMicrophone = boolEnv("MEDIA_ALLOW_MICROPHONE", true, collect)
	c.Media.AllowCamera = boolEnv("MEDIA_ALLOW_CAMERA", true, collect)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults for optional settings.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if !validPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	for _, o := range c.App.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("CORS_ALLOWED_ORIGINS entry must be an http(s) origin, got %q", o))
		}
	}

	if c.Signaling.Backend == "" {
		c.Signaling.Backend = BackendRedis
	}
	switch c.Signaling.Backend {
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis signaling backend"))
		}
		if !validPort(c.Redis.Port) {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("SIGNALING_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("SIGNALING_BACKEND must be memory or redis, got %q", c.Signaling.Backend))
	}

	if c.ChatLog.Backend == "" {
		c.ChatLog.Backend = BackendMemory
		if c.IsProduction() {
			c.ChatLog.Backend = BackendPostgres
		}
	}
	switch c.ChatLog.Backend {
	case BackendPostgres:
		errs = append(errs, c.validateDB()...)
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("CHATLOG_BACKEND must be memory or postgres, got %q", c.ChatLog.Backend))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if len(c.Media.STUNServers) == 0 {
		if c.IsProduction() {
			errs = append(errs, errors.New("WEBRTC_STUN_SERVERS is required in production"))
		} else {
			c.Media.STUNServers = []string{DefaultSTUNServer}
		}
	}
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("WEBRTC_STUN_SERVERS entry must be a stun:/turn: url, got %q", s))
		}
	}
	if c.Media.ICEDisconnectedTimeout <= 0 {
		c.Media.ICEDisconnectedTimeout = 30 * time.Second
	}
	if c.Media.ICEFailedTimeout <= 0 {
		c.Media.ICEFailedTimeout = 120 * time.Second
	}
	if c.Media.ICEKeepAlive <= 0 {
		c.Media.ICEKeepAlive = 2 * time.Second
	}
	if c.Media.ICEFailedTimeout <= c.Media.ICEDisconnectedTimeout {
		errs = append(errs, errors.New("WEBRTC_ICE_FAILED_TIMEOUT must be greater than WEBRTC_ICE_DISCONNECTED_TIMEOUT"))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required for the postgres chat log"))
	}
	if !validPort(c.DB.Port) {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func intEnv(key string, def int, required bool, collect func(error)) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			collect(fmt.Errorf("%s is required", key))
		}
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		collect(fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func durationEnv(key string, collect func(error)) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		collect(fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func boolEnv(key string, def bool, collect func(error)) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		collect(fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
