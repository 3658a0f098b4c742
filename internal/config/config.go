package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Calls     CallsConfig

	// ICEServers is handed to clients so both peers negotiate against the same STUN/TURN set.
	ICEServers []webrtc.ICEServer
}

type AppConfig struct {
	Env  string
	Port int
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

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type SignalingConfig struct {
	// AllowedOrigins restricts browser websocket upgrades. Empty allows any origin.
	AllowedOrigins  []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
}

type CallsConfig struct {
	// RingTimeout cancels calls still pending after this long. Zero disables it.
	RingTimeout time.Duration

	// MaxConcurrentPerCaller caps open calls per caller. Zero means no cap.
	MaxConcurrentPerCaller int
	SlotTTL                time.Duration

	// OverdraftPolicy is "allow" or "clamp"; see billing.OverdraftPolicy.
	OverdraftPolicy string

	SignupBonusTokens int64
}

const (
	OverdraftAllow = "allow"
	OverdraftClamp = "clamp"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Signaling.AllowedOrigins = splitCommaSeparated(os.Getenv("SIGNALING_ALLOWED_ORIGINS"))
	{
		n, err := optionalInt("SIGNALING_MAX_MESSAGE_BYTES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Signaling.MaxMessageBytes = int64(n)
	}
	c.Signaling.PingInterval = mustDuration("SIGNALING_PING_INTERVAL")
	c.Signaling.WriteTimeout = mustDuration("SIGNALING_WRITE_TIMEOUT")

	c.Calls.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	{
		n, err := optionalInt("CALL_MAX_CONCURRENT_PER_CALLER")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.MaxConcurrentPerCaller = n
	}
	c.Calls.SlotTTL = mustDuration("CALL_SLOT_TTL")
	c.Calls.OverdraftPolicy = strings.ToLower(strings.TrimSpace(os.Getenv("BILLING_OVERDRAFT_POLICY")))
	{
		n, err := optionalInt("SIGNUP_BONUS_TOKENS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.SignupBonusTokens = int64(n)
	}

	ice, err := parseICEServersFromValues(
		os.Getenv(envICEServersJSON),
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	c.ICEServers = ice

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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
		c.Auth.AccessTokenTTL = 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Signaling.MaxMessageBytes <= 0 {
		c.Signaling.MaxMessageBytes = 64 * 1024
	}
	if c.Signaling.PingInterval <= 0 {
		c.Signaling.PingInterval = 30 * time.Second
	}
	if c.Signaling.WriteTimeout <= 0 {
		c.Signaling.WriteTimeout = 5 * time.Second
	}
	if c.IsProduction() && len(c.Signaling.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("SIGNALING_ALLOWED_ORIGINS is required in production"))
	}

	if c.Calls.RingTimeout < 0 {
		errs = append(errs, errors.New("CALL_RING_TIMEOUT must not be negative"))
	}
	if c.Calls.MaxConcurrentPerCaller < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_CONCURRENT_PER_CALLER must not be negative, got %d", c.Calls.MaxConcurrentPerCaller))
	}
	if c.Calls.SlotTTL <= 0 {
		c.Calls.SlotTTL = 4 * time.Hour
	}
	switch c.Calls.OverdraftPolicy {
	case "":
		c.Calls.OverdraftPolicy = OverdraftAllow
	case OverdraftAllow, OverdraftClamp:
	default:
		errs = append(errs, fmt.Errorf("BILLING_OVERDRAFT_POLICY must be one of allow, clamp, got %q", c.Calls.OverdraftPolicy))
	}
	if c.Calls.SignupBonusTokens < 0 {
		errs = append(errs, errors.New("SIGNUP_BONUS_TOKENS must not be negative"))
	} else if c.Calls.SignupBonusTokens == 0 {
		c.Calls.SignupBonusTokens = 1000
	}

	if len(c.ICEServers) == 0 {
		c.ICEServers = DefaultICEServers()
	}

	return joinErrors(errs)
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
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

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
