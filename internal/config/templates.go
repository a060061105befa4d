package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders Default as a commented TOML file.
func Template() (string, error) {
	out, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	serials := c.Serials
	if serials == nil {
		serials = []string{}
	}
	return fileConfig{
		OutputDir:            c.OutputDir,
		Serials:              serials,
		ScanTimeout:          c.ScanTimeout.String(),
		ResponseTimeout:      c.ResponseTimeout.String(),
		FetchIdleTimeout:     c.FetchIdleTimeout.String(),
		SetTime:              c.SetTime,
		MaxConcurrentDevices: c.MaxConcurrentDevices,
		MinProtocolVersion:   int(c.MinProtocolVersion),
		MaxProtocolVersion:   int(c.MaxProtocolVersion),
		MetricsAddr:          c.MetricsAddr,
		Retry: retryFile{
			Attempts:   c.RetryAttempts,
			Delay:      c.RetryDelay.String(),
			Multiplier: c.RetryMultiplier,
			MaxDelay:   c.RetryMaxDelay.String(),
			Jitter:     c.RetryJitter,
		},
		Protocol: protocolFile{
			ServiceUUID: c.Table.ServiceUUID.String(),
			WriteUUID:   c.Table.WriteUUID.String(),
			NotifyUUID:  c.Table.NotifyUUID.String(),
		},
		BlueZ: bluezFile{Adapter: c.Adapter},
		Feed: feedFile{
			JSONL:             c.Feed.JSONL,
			MQTTBroker:        c.Feed.MQTTBroker,
			MQTTClientID:      c.Feed.MQTTClientID,
			MQTTTopicPrefix:   c.Feed.MQTTTopicPrefix,
			NATSURL:           c.Feed.NATSURL,
			NATSSubjectPrefix: c.Feed.NATSSubjectPrefix,
		},
	}
}
