package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/finsight/marketstream/pkg/errors"
)

// Duration wraps time.Duration so config files can use strings like "500ms"
// or "30s" in both JSON and YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config contains the streaming client configuration.
type Config struct {
	// URL is the websocket endpoint of the quote feed.
	URL string `json:"url" yaml:"url" validate:"required,uri"`
	// Symbols is an optional initial watchlist subscribed on Connect.
	Symbols []string `json:"symbols" yaml:"symbols" validate:"dive,required"`
	// MaxRetries is the number of consecutive failed connection attempts
	// tolerated before the client gives up and reports StateFailed.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries" validate:"gte=0"`
	// BackoffBase is the delay before the first reconnect attempt; each
	// consecutive failure doubles it up to BackoffMax.
	BackoffBase Duration `json:"backoffBase" yaml:"backoffBase"`
	// BackoffMax caps the reconnect delay.
	BackoffMax Duration `json:"backoffMax" yaml:"backoffMax"`
	// HeartbeatInterval is how often a ping is sent on an idle connection.
	HeartbeatInterval Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	// HeartbeatTimeout is how long the connection may stay silent (no data,
	// no pong) before it is treated as lost.
	HeartbeatTimeout Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
}

const (
	defaultMaxRetries        = 8
	defaultBackoffBase       = Duration(time.Second)
	defaultBackoffMax        = Duration(30 * time.Second)
	defaultHeartbeatInterval = Duration(15 * time.Second)
	defaultHeartbeatTimeout  = Duration(40 * time.Second)
	defaultHandshakeTimeout  = Duration(10 * time.Second)
)

// defaultFeedURL is the endpoint used by the process-wide default client when
// MARKETSTREAM_FEED_URL is not set.
const defaultFeedURL = "wss://stream.finsight.dev/v1/quotes"

// DefaultConfig returns a Config with production defaults. The feed URL is
// taken from the MARKETSTREAM_FEED_URL environment variable when present.
func DefaultConfig() Config {
	url := os.Getenv("MARKETSTREAM_FEED_URL")
	if url == "" {
		url = defaultFeedURL
	}

	return Config{
		URL:               url,
		Symbols:           nil,
		MaxRetries:        defaultMaxRetries,
		BackoffBase:       defaultBackoffBase,
		BackoffMax:        defaultBackoffMax,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		HandshakeTimeout:  defaultHandshakeTimeout,
	}
}

// applyDefaults fills zero-valued tuning knobs so callers can construct a
// Config with just a URL.
func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}

	if c.BackoffMax == 0 {
		c.BackoffMax = defaultBackoffMax
	}

	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Validate validates the Config.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return errors.New(errors.ErrCodeInvalidConfiguration, "backoff durations must not be negative")
	}

	if c.BackoffBase > c.BackoffMax {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"backoffBase %s exceeds backoffMax %s", c.BackoffBase, c.BackoffMax)
	}

	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"heartbeatInterval %s must be shorter than heartbeatTimeout %s",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	}

	return nil
}

// ParseConfig parses a JSON configuration string.
func ParseConfig(jsonConfig string) (*Config, error) {
	var config Config
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse JSON config", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfigFile reads and validates a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to parse config file %s", path)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
