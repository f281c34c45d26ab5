package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Twilio TwilioConfig
	Speech SpeechConfig
	Google GoogleConfig
	Stream StreamConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicHost is the externally reachable host Twilio calls back to.
	// Used to build the wss:// stream URL and to validate webhook signatures.
	PublicHost string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int

	// MaxConcurrentCalls caps simultaneous live sessions per tenant.
	MaxConcurrentCalls int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// ValidateSignature can be disabled for local testing only.
	ValidateSignature bool
}

// SpeechConfig configures the hosted conversational speech engine leg.
type SpeechConfig struct {
	APIKey string

	// RealtimeURL is the websocket endpoint of the speech engine.
	RealtimeURL string
	Model       string
	Voice       string

	// SummaryModel is the text model used for post-call summaries.
	SummaryModel   string
	SummaryURL     string
	SummaryTimeout time.Duration
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
}

// StreamConfig governs the short-lived token that authorizes a media
// stream to attach to a call.
type StreamConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicHost = strings.TrimSpace(os.Getenv("PUBLIC_HOST"))

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
	c.Redis.MaxConcurrentCalls = optInt("MAX_CONCURRENT_CALLS", 3)

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.ValidateSignature = optBool("TWILIO_VALIDATE_SIGNATURE", true)

	c.Speech.APIKey = os.Getenv("OPENAI_API_KEY")
	c.Speech.RealtimeURL = strings.TrimSpace(os.Getenv("REALTIME_URL"))
	c.Speech.Model = strings.TrimSpace(os.Getenv("REALTIME_MODEL"))
	c.Speech.Voice = strings.TrimSpace(os.Getenv("REALTIME_VOICE"))
	c.Speech.SummaryModel = strings.TrimSpace(os.Getenv("SUMMARY_MODEL"))
	c.Speech.SummaryURL = strings.TrimSpace(os.Getenv("SUMMARY_URL"))
	c.Speech.SummaryTimeout = mustDuration("SUMMARY_TIMEOUT")

	c.Google.ClientID = strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID"))
	c.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")

	c.Stream.TokenSecret = os.Getenv("STREAM_TOKEN_SECRET")
	c.Stream.TokenTTL = mustDuration("STREAM_TOKEN_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

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
	if c.App.PublicHost == "" {
		errs = append(errs, errors.New("PUBLIC_HOST is required"))
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
	if c.Redis.MaxConcurrentCalls <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must be > 0"))
	}

	if c.Twilio.ValidateSignature && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required when signature validation is on"))
	}

	if c.Speech.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.Speech.RealtimeURL == "" {
		c.Speech.RealtimeURL = "wss://api.openai.com/v1/realtime"
	}
	if c.Speech.Model == "" {
		c.Speech.Model = "gpt-4o-realtime-preview"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "shimmer"
	}
	if c.Speech.SummaryModel == "" {
		c.Speech.SummaryModel = "gpt-4o-mini"
	}
	if c.Speech.SummaryURL == "" {
		c.Speech.SummaryURL = "https://api.openai.com/v1/chat/completions"
	}
	if c.Speech.SummaryTimeout <= 0 {
		c.Speech.SummaryTimeout = 10 * time.Second
	}

	if c.Stream.TokenSecret == "" {
		errs = append(errs, errors.New("STREAM_TOKEN_SECRET is required"))
	}
	if c.Stream.TokenTTL <= 0 {
		// A stream attaches within seconds of the webhook; keep the window tight.
		c.Stream.TokenTTL = 5 * time.Minute
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

// StreamURL is the wss endpoint Twilio connects its media stream to.
func (c Config) StreamURL() string {
	return fmt.Sprintf("wss://%s/twilio/stream", c.App.PublicHost)
}

// VoiceWebhookURL is the public URL Twilio signs voice webhooks against.
func (c Config) VoiceWebhookURL() string {
	return fmt.Sprintf("https://%s/twilio/voice", c.App.PublicHost)
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

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
