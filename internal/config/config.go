package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Hass HassConfig `yaml:"hass"`
}

type HassConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
	Secure bool   `yaml:"secure"`

	// Optional websocket tuning; zero values use the client's defaults.
	KeepAliveSeconds  int `yaml:"keep-alive-seconds"`
	EventBuffer       int `yaml:"event-buffer"`
	ReconnectAttempts int `yaml:"reconnect-attempts"`
}

func LoadConfig(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	output := Config{}

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&output); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}

	if output.Hass.Server == "" || output.Hass.Token == "" {
		return nil, fmt.Errorf("%s: hass server and token are required", fileName)
	}

	return &output, nil
}
