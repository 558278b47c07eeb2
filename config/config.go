package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xeptore/ondusd/constant"
)

const (
	DeploymentSense = "sense"
	DeploymentIoT   = "iot"

	RefreshModeDerived = "derived"
	RefreshModeStatic  = "static"

	StrategyCallbackGet   = "callback_get"
	StrategyBodyJSON      = "body_json"
	StrategyCodeStateJSON = "code_state_json"
	StrategyForm          = "form"

	minPollIntervalSeconds = 30
)

var knownStrategies = []string{StrategyCallbackGet, StrategyBodyJSON, StrategyCodeStateJSON, StrategyForm}

type Config struct {
	BaseURL             string   `json:"base_url"              yaml:"base_url"`
	LoginURL            string   `json:"login_url"             yaml:"login_url"`
	Username            string   `json:"username"              yaml:"username"`
	Password            string   `json:"password"              yaml:"password"`
	RefreshToken        string   `json:"refresh_token"         yaml:"refresh_token"`
	Deployment          string   `json:"deployment"            yaml:"deployment"`
	RefreshMode         string   `json:"refresh_mode"          yaml:"refresh_mode"`
	RefreshEndpoint     string   `json:"refresh_endpoint"      yaml:"refresh_endpoint"`
	ExchangeStrategies  []string `json:"exchange_strategies"   yaml:"exchange_strategies"`
	StateDir            string   `json:"state_dir"             yaml:"state_dir"`
	PollIntervalSeconds int      `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	ClearPassword       bool     `json:"clear_password"        yaml:"clear_password"`
}

func (cfg *Config) applyDefaults() {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constant.APIBaseURL
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = cfg.BaseURL + "/v3/iot/oidc/login"
	}
	if cfg.Deployment == "" {
		cfg.Deployment = DeploymentSense
	}
	if cfg.RefreshMode == "" {
		cfg.RefreshMode = RefreshModeDerived
	}
	if len(cfg.ExchangeStrategies) == 0 {
		cfg.ExchangeStrategies = []string{StrategyCallbackGet, StrategyBodyJSON, StrategyForm}
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 300
	}
}

func (cfg *Config) validate() error {
	if cfg.StateDir == "" {
		return errors.New("state dir is empty")
	}

	if _, err := url.ParseRequestURI(cfg.BaseURL); nil != err {
		return fmt.Errorf("base URL is invalid: %v", err)
	}

	if _, err := url.ParseRequestURI(cfg.LoginURL); nil != err {
		return fmt.Errorf("login URL is invalid: %v", err)
	}

	if cfg.RefreshToken == "" && (cfg.Username == "" || cfg.Password == "") {
		return errors.New("either refresh token or username and password must be set")
	}

	if cfg.Deployment != DeploymentSense && cfg.Deployment != DeploymentIoT {
		return fmt.Errorf("deployment must be %q or %q", DeploymentSense, DeploymentIoT)
	}

	switch cfg.RefreshMode {
	case RefreshModeDerived:
	case RefreshModeStatic:
		if _, err := url.ParseRequestURI(cfg.RefreshEndpoint); nil != err {
			return fmt.Errorf("refresh endpoint is required in static refresh mode: %v", err)
		}
	default:
		return fmt.Errorf("refresh mode must be %q or %q", RefreshModeDerived, RefreshModeStatic)
	}

	for _, s := range cfg.ExchangeStrategies {
		if !slices.Contains(knownStrategies, s) {
			return fmt.Errorf("unknown exchange strategy %q", s)
		}
	}

	if cfg.PollIntervalSeconds < minPollIntervalSeconds {
		return fmt.Errorf("poll interval must be at least %d seconds", minPollIntervalSeconds)
	}

	return nil
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func FromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %q: %v", filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config file %q: %v", filePath, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}

func FromString(data string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(data), &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}
