// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса лояльности.
//
// Значения бизнес-правил по умолчанию: ratio=1, rounding=floor, minAmount=0.
type Config struct {
	RunAddress     string  `env:"RUN_ADDRESS"`
	DatabaseURI    string  `env:"DATABASE_URI"`
	LedgerAddress  string  `env:"LEDGER_ADDRESS"`
	LedgerAPIKey   string  `env:"LEDGER_API_KEY"`
	AuthSecret     string  `env:"AUTH_SECRET"`
	PointsRatio    float64 `env:"POINTS_RATIO" envDefault:"1"`
	PointsRounding string  `env:"POINTS_ROUNDING" envDefault:"floor"`
	PointsMinTotal float64 `env:"POINTS_MIN_AMOUNT" envDefault:"0"`
	WorkerCount    int     `env:"WORKER_COUNT" envDefault:"4"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "external points ledger address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	return cfg, nil
}
