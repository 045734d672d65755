package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Twilio   TwilioConfig
	Services ServicesConfig
	Pipeline PipelineConfig
	Calls    CallConfig
	Server   ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// TwilioConfig holds Twilio account settings and webhook validation
type TwilioConfig struct {
	AccountSID       string
	AuthToken        string
	PhoneNumber      string
	ValidateRequests bool
}

// ServicesConfig holds external service API keys and configuration
type ServicesConfig struct {
	DeepgramAPIKey     string
	DeepgramModel      string
	OpenAIAPIKey       string
	GoogleAIAPIKey     string
	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	ResendAPIKey       string
	DefaultEmailSender string
	SummaryEmailTo     string
	BusinessName       string
	CalendarID         string
	CalendarCredsFile  string
	CalendarTimezone   string
	TranscriptKeyHex   string // 32-byte hex key for transcript encryption at rest
}

// PipelineConfig holds audio buffering and VAD tunables. All durations are
// measured in audio time, not wall clock.
type PipelineConfig struct {
	SampleRate       int
	WindowDuration   time.Duration // aggregation window before hand-off to STT
	SilenceThreshold float64       // normalized RMS below which a frame is silence
	MinSilence       time.Duration // sustained silence confirming end of utterance
	SpeechDebounce   time.Duration // sustained speech confirming a real utterance
	MaxBufferBytes   int
	TurnBudget       time.Duration // end-to-end latency budget per turn
}

// CallConfig holds connection admission and turn-taking settings
type CallConfig struct {
	MaxConcurrentCalls int
	IdleTimeout        time.Duration
	TeardownGrace      time.Duration
	StageRetryLimit    int
	StreamTokenSecret  string
	StreamTokenTTL     time.Duration
	Greeting           string
	FallbackUtterance  string
	PublicHost         string // host used to build the media-stream websocket URL
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	// Database configuration
	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}

	// Twilio configuration
	if cfg.Twilio.AccountSID, err = requireEnv("TWILIO_ACCOUNT_SID"); err != nil {
		return nil, err
	}
	if cfg.Twilio.AuthToken, err = requireEnv("TWILIO_AUTH_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.Twilio.PhoneNumber, err = requireEnv("TWILIO_PHONE_NUMBER"); err != nil {
		return nil, err
	}
	cfg.Twilio.ValidateRequests = getEnvWithDefault("TWILIO_VALIDATE_REQUESTS", "true") == "true"

	// External services
	if cfg.Services.DeepgramAPIKey, err = requireEnv("DEEPGRAM_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.DeepgramModel = getEnvWithDefault("DEEPGRAM_MODEL", "nova-2-phonecall")
	if cfg.Services.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.GoogleAIAPIKey = os.Getenv("GOOGLE_AI_API_KEY")
	if cfg.Services.ElevenLabsAPIKey, err = requireEnv("ELEVENLABS_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.ElevenLabsVoiceID = getEnvWithDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM")
	cfg.Services.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.Services.DefaultEmailSender = os.Getenv("DEFAULT_EMAIL_SENDER_ADDRESS")
	cfg.Services.SummaryEmailTo = os.Getenv("CALL_SUMMARY_EMAIL")
	cfg.Services.BusinessName = getEnvWithDefault("BUSINESS_NAME", "our office")
	cfg.Services.CalendarID = getEnvWithDefault("GOOGLE_CALENDAR_ID", "primary")
	cfg.Services.CalendarCredsFile = os.Getenv("GOOGLE_CALENDAR_CREDENTIALS_FILE")
	cfg.Services.CalendarTimezone = getEnvWithDefault("GOOGLE_CALENDAR_TIMEZONE", "UTC")
	if cfg.Services.TranscriptKeyHex, err = requireEnv("TRANSCRIPT_KEY_HEX"); err != nil {
		return nil, err
	}

	// Pipeline tunables
	cfg.Pipeline.SampleRate, err = intEnv("AUDIO_SAMPLE_RATE", 8000)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.WindowDuration, err = msEnv("BUFFER_WINDOW_MS", 200)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.SilenceThreshold, err = floatEnv("VAD_SILENCE_THRESHOLD", 0.01)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.MinSilence, err = msEnv("VAD_MIN_SILENCE_MS", 500)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.SpeechDebounce, err = msEnv("VAD_DEBOUNCE_MS", 300)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.MaxBufferBytes, err = intEnv("MAX_BUFFER_BYTES", 640*1024)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.TurnBudget, err = msEnv("TURN_BUDGET_MS", 1500)
	if err != nil {
		return nil, err
	}

	// Call handling
	cfg.Calls.MaxConcurrentCalls, err = intEnv("MAX_CONCURRENT_CALLS", 50)
	if err != nil {
		return nil, err
	}
	cfg.Calls.IdleTimeout, err = msEnv("IDLE_TIMEOUT_MS", 60000)
	if err != nil {
		return nil, err
	}
	cfg.Calls.TeardownGrace, err = msEnv("TEARDOWN_GRACE_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.Calls.StageRetryLimit, err = intEnv("STAGE_RETRY_LIMIT", 3)
	if err != nil {
		return nil, err
	}
	if cfg.Calls.StreamTokenSecret, err = requireEnv("STREAM_TOKEN_SECRET"); err != nil {
		return nil, err
	}
	cfg.Calls.StreamTokenTTL, err = msEnv("STREAM_TOKEN_TTL_MS", 120000)
	if err != nil {
		return nil, err
	}
	cfg.Calls.Greeting = getEnvWithDefault("DEFAULT_GREETING",
		"Thank you for calling. How may I help you today?")
	cfg.Calls.FallbackUtterance = getEnvWithDefault("FALLBACK_UTTERANCE",
		"I'm sorry, I'm having trouble right now. Let me transfer you to a team member.")
	if cfg.Calls.PublicHost, err = requireEnv("PUBLIC_HOST"); err != nil {
		return nil, err
	}

	// Server configuration
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := getEnvWithDefault(key, strconv.Itoa(defaultValue))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

func floatEnv(key string, defaultValue float64) (float64, error) {
	raw := getEnvWithDefault(key, strconv.FormatFloat(defaultValue, 'f', -1, 64))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

func msEnv(key string, defaultMs int) (time.Duration, error) {
	v, err := intEnv(key, defaultMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}
