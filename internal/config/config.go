// Package config loads gspctl settings from TOML. Keys missing from the
// file keep the values of Default.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gspctl/internal/protocol"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved runtime configuration.
type Config struct {
	OutputDir string
	Serials   []string

	ScanTimeout      time.Duration
	ResponseTimeout  time.Duration
	FetchIdleTimeout time.Duration
	SetTime          bool

	MaxConcurrentDevices int
	MinProtocolVersion   uint8
	MaxProtocolVersion   uint8

	RetryAttempts   int
	RetryDelay      time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	RetryJitter     float64

	Table   protocol.Table
	Adapter string

	Feed        Feed
	MetricsAddr string
}

// Feed selects where decoded samples are published. Empty fields disable
// the corresponding sink.
type Feed struct {
	JSONL             string
	MQTTBroker        string
	MQTTClientID      string
	MQTTTopicPrefix   string
	NATSURL           string
	NATSSubjectPrefix string
}

func (f Feed) Enabled() bool {
	return f.JSONL != "" || f.MQTTBroker != "" || f.NATSURL != ""
}

func Default() Config {
	return Config{
		OutputDir:          ".",
		ScanTimeout:        10 * time.Second,
		ResponseTimeout:    10 * time.Second,
		FetchIdleTimeout:   30 * time.Second,
		SetTime:            true,
		MinProtocolVersion: 1,
		MaxProtocolVersion: 1,
		RetryAttempts:      10,
		RetryDelay:         5 * time.Second,
		RetryMultiplier:    1,
		Table:              protocol.DefaultTable(),
		Adapter:            "hci0",
		Feed: Feed{
			MQTTTopicPrefix:   "gspctl",
			NATSSubjectPrefix: "gspctl",
		},
	}
}

type fileConfig struct {
	OutputDir            string   `toml:"output_dir" comment:"directory for raw .sbem log files"`
	Serials              []string `toml:"serials" comment:"default serial suffixes when -s is not given"`
	ScanTimeout          string   `toml:"scan_timeout"`
	ResponseTimeout      string   `toml:"response_timeout"`
	FetchIdleTimeout     string   `toml:"fetch_idle_timeout"`
	SetTime              bool     `toml:"set_time" comment:"write host UTC time to the device after connecting"`
	MaxConcurrentDevices int      `toml:"max_concurrent_devices" comment:"0 means no limit"`
	MinProtocolVersion   int      `toml:"min_protocol_version"`
	MaxProtocolVersion   int      `toml:"max_protocol_version"`
	MetricsAddr          string   `toml:"metrics_addr" comment:"serve prometheus metrics on this address when set"`

	Retry    retryFile    `toml:"retry"`
	Protocol protocolFile `toml:"protocol"`
	BlueZ    bluezFile    `toml:"bluez"`
	Feed     feedFile     `toml:"feed"`
}

type retryFile struct {
	Attempts   int     `toml:"attempts" comment:"attempts for every operation except status"`
	Delay      string  `toml:"delay"`
	Multiplier float64 `toml:"multiplier" comment:"delay growth per attempt, 1 keeps it fixed"`
	MaxDelay   string  `toml:"max_delay" comment:"cap for grown delays, 0s means none"`
	Jitter     float64 `toml:"jitter" comment:"random spread of each delay as a fraction in [0,1]"`
}

type protocolFile struct {
	ServiceUUID string `toml:"service_uuid"`
	WriteUUID   string `toml:"write_uuid"`
	NotifyUUID  string `toml:"notify_uuid"`
}

type bluezFile struct {
	Adapter string `toml:"adapter"`
}

type feedFile struct {
	JSONL             string `toml:"jsonl"`
	MQTTBroker        string `toml:"mqtt_broker"`
	MQTTClientID      string `toml:"mqtt_client_id"`
	MQTTTopicPrefix   string `toml:"mqtt_topic_prefix"`
	NATSURL           string `toml:"nats_url"`
	NATSSubjectPrefix string `toml:"nats_subject_prefix"`
}

// Load reads path on top of Default and validates the result. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("output_dir") {
		cfg.OutputDir = strings.TrimSpace(raw.OutputDir)
	}
	if meta.IsDefined("serials") {
		cfg.Serials = normalize(raw.Serials)
	}
	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"scan_timeout"}, raw.ScanTimeout, &cfg.ScanTimeout},
		{[]string{"response_timeout"}, raw.ResponseTimeout, &cfg.ResponseTimeout},
		{[]string{"fetch_idle_timeout"}, raw.FetchIdleTimeout, &cfg.FetchIdleTimeout},
		{[]string{"retry", "delay"}, raw.Retry.Delay, &cfg.RetryDelay},
		{[]string{"retry", "max_delay"}, raw.Retry.MaxDelay, &cfg.RetryMaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	if meta.IsDefined("set_time") {
		cfg.SetTime = raw.SetTime
	}
	if meta.IsDefined("max_concurrent_devices") {
		cfg.MaxConcurrentDevices = raw.MaxConcurrentDevices
	}
	if meta.IsDefined("min_protocol_version") {
		v, err := version("min_protocol_version", raw.MinProtocolVersion)
		if err != nil {
			return Config{}, err
		}
		cfg.MinProtocolVersion = v
	}
	if meta.IsDefined("max_protocol_version") {
		v, err := version("max_protocol_version", raw.MaxProtocolVersion)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxProtocolVersion = v
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("retry", "attempts") {
		cfg.RetryAttempts = raw.Retry.Attempts
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.RetryMultiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.RetryJitter = raw.Retry.Jitter
	}

	if meta.IsDefined("protocol") {
		service, write, notify := protocol.DefaultServiceUUID, protocol.DefaultWriteUUID, protocol.DefaultNotifyUUID
		if meta.IsDefined("protocol", "service_uuid") {
			service = raw.Protocol.ServiceUUID
		}
		if meta.IsDefined("protocol", "write_uuid") {
			write = raw.Protocol.WriteUUID
		}
		if meta.IsDefined("protocol", "notify_uuid") {
			notify = raw.Protocol.NotifyUUID
		}
		table, err := cfg.Table.WithUUIDs(service, write, notify)
		if err != nil {
			return Config{}, fmt.Errorf("%w: protocol: %v", ErrInvalid, err)
		}
		cfg.Table = table
	}
	if meta.IsDefined("bluez", "adapter") {
		cfg.Adapter = strings.TrimSpace(raw.BlueZ.Adapter)
	}

	if meta.IsDefined("feed", "jsonl") {
		cfg.Feed.JSONL = strings.TrimSpace(raw.Feed.JSONL)
	}
	if meta.IsDefined("feed", "mqtt_broker") {
		cfg.Feed.MQTTBroker = strings.TrimSpace(raw.Feed.MQTTBroker)
	}
	if meta.IsDefined("feed", "mqtt_client_id") {
		cfg.Feed.MQTTClientID = strings.TrimSpace(raw.Feed.MQTTClientID)
	}
	if meta.IsDefined("feed", "mqtt_topic_prefix") {
		cfg.Feed.MQTTTopicPrefix = strings.TrimSpace(raw.Feed.MQTTTopicPrefix)
	}
	if meta.IsDefined("feed", "nats_url") {
		cfg.Feed.NATSURL = strings.TrimSpace(raw.Feed.NATSURL)
	}
	if meta.IsDefined("feed", "nats_subject_prefix") {
		cfg.Feed.NATSSubjectPrefix = strings.TrimSpace(raw.Feed.NATSSubjectPrefix)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"response_timeout":   c.ResponseTimeout,
		"fetch_idle_timeout": c.FetchIdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry.delay must not be negative", ErrInvalid)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry.attempts must be at least 1", ErrInvalid)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("%w: retry.multiplier must be at least 1", ErrInvalid)
	}
	if c.RetryMaxDelay < 0 {
		return fmt.Errorf("%w: retry.max_delay must not be negative", ErrInvalid)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("%w: retry.jitter must be within [0,1]", ErrInvalid)
	}
	if c.MaxConcurrentDevices < 0 {
		return fmt.Errorf("%w: max_concurrent_devices must not be negative", ErrInvalid)
	}
	if c.MinProtocolVersion == 0 || c.MinProtocolVersion > c.MaxProtocolVersion {
		return fmt.Errorf("%w: protocol version range %d..%d", ErrInvalid, c.MinProtocolVersion, c.MaxProtocolVersion)
	}
	if err := c.Table.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if strings.ContainsAny(c.Feed.MQTTTopicPrefix, "+#") {
		return fmt.Errorf("%w: feed.mqtt_topic_prefix contains a wildcard", ErrInvalid)
	}
	if strings.ContainsAny(c.Feed.NATSSubjectPrefix, "*> ") {
		return fmt.Errorf("%w: feed.nats_subject_prefix contains a wildcard", ErrInvalid)
	}
	return nil
}

func version(key string, v int) (uint8, error) {
	if v < 1 || v > 255 {
		return 0, fmt.Errorf("%w: %s out of range: %d", ErrInvalid, key, v)
	}
	return uint8(v), nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
