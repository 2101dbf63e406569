package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	DBPath          string        `mapstructure:"db_path"`
	RelayURL        string        `mapstructure:"relay_url"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	MaxPeers        int           `mapstructure:"max_peers"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	PublishLimit    int           `mapstructure:"publish_limit"`
	PublishWindow   time.Duration `mapstructure:"publish_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./voicemesh.db")
	v.SetDefault("relay_url", "ws://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("max_peers", 16)
	v.SetDefault("disconnect_grace", "10s")
	v.SetDefault("publish_limit", 60)
	v.SetDefault("publish_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | DB: %s\n", cfg.Mode, cfg.Port, cfg.DBPath)
	return &cfg, nil
}
