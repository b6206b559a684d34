package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// File is the decoded configuration: runtime knobs plus the gateways to seed
// at startup.
type File struct {
	Config   domain.Config
	Gateways []domain.GatewaySpec
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scope", domain.DefaultScope)
	v.SetDefault("storePath", domain.DefaultStorePath)
	v.SetDefault("probeTimeoutSeconds", domain.DefaultProbeTimeoutSeconds)
	v.SetDefault("forwardTimeoutSeconds", domain.DefaultForwardTimeoutSeconds)
	v.SetDefault("health.intervalSeconds", domain.DefaultHealthIntervalSeconds)
	v.SetDefault("health.backoffMaxSeconds", domain.DefaultHealthBackoffMaxSeconds)
	v.SetDefault("health.concurrency", domain.DefaultHealthConcurrency)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.enableMetrics", true)
}

type rawConfig struct {
	Scope                 string             `mapstructure:"scope"`
	StorePath             string             `mapstructure:"storePath"`
	ProbeTimeoutSeconds   int                `mapstructure:"probeTimeoutSeconds"`
	ForwardTimeoutSeconds int                `mapstructure:"forwardTimeoutSeconds"`
	Health                rawHealthConfig    `mapstructure:"health"`
	Observability         rawObservability   `mapstructure:"observability"`
	Gateways              []rawGatewayConfig `mapstructure:"gateways"`
}

type rawHealthConfig struct {
	IntervalSeconds   int `mapstructure:"intervalSeconds"`
	BackoffMaxSeconds int `mapstructure:"backoffMaxSeconds"`
	Concurrency       int `mapstructure:"concurrency"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
}

type rawGatewayConfig struct {
	Name        string            `mapstructure:"name"`
	URL         string            `mapstructure:"url"`
	Transport   string            `mapstructure:"transport"`
	Auth        map[string]string `mapstructure:"auth"`
	Tags        []string          `mapstructure:"tags"`
	Description string            `mapstructure:"description"`
}

// Load reads, env-expands, and validates a config file.
func (l *Loader) Load(ctx context.Context, path string) (File, error) {
	if path == "" {
		return File{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandConfigEnv(data)
	if err != nil {
		return File{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	return decode(expanded)
}

func decode(expanded string) (File, error) {
	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return File{}, fmt.Errorf("decode config: %w", err)
	}

	cfg := domain.Config{
		ProbeTimeout:      time.Duration(raw.ProbeTimeoutSeconds) * time.Second,
		ForwardTimeout:    time.Duration(raw.ForwardTimeoutSeconds) * time.Second,
		HealthInterval:    time.Duration(raw.Health.IntervalSeconds) * time.Second,
		HealthBackoffMax:  time.Duration(raw.Health.BackoffMaxSeconds) * time.Second,
		HealthConcurrency: raw.Health.Concurrency,
		Scope:             raw.Scope,
		StorePath:         raw.StorePath,
		Observability: domain.ObservabilityConfig{
			ListenAddress: raw.Observability.ListenAddress,
			EnableMetrics: raw.Observability.EnableMetrics,
		},
	}.Normalize()

	specs := make([]domain.GatewaySpec, 0, len(raw.Gateways))
	var validationErrors []string
	nameSeen := make(map[string]struct{})
	for i, gw := range raw.Gateways {
		spec, errs := normalizeGateway(gw, i)
		validationErrors = append(validationErrors, errs...)
		if len(errs) > 0 {
			continue
		}
		if _, exists := nameSeen[spec.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("gateways[%d]: duplicate name %q", i, spec.Name))
			continue
		}
		nameSeen[spec.Name] = struct{}{}
		specs = append(specs, spec)
	}

	if len(validationErrors) > 0 {
		return File{}, errors.New(strings.Join(validationErrors, "; "))
	}
	return File{Config: cfg, Gateways: specs}, nil
}

func normalizeGateway(raw rawGatewayConfig, index int) (domain.GatewaySpec, []string) {
	var errs []string

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		errs = append(errs, fmt.Sprintf("gateways[%d]: name is required", index))
	}

	if raw.URL == "" {
		errs = append(errs, fmt.Sprintf("gateways[%d]: url is required", index))
	} else if parsed, err := url.Parse(raw.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Sprintf("gateways[%d]: url must be http or https", index))
	}

	transport := domain.TransportStreamableHTTP
	if raw.Transport != "" {
		parsed, err := domain.ParseTransport(raw.Transport)
		if err != nil {
			errs = append(errs, fmt.Sprintf("gateways[%d]: %v", index, err))
		} else {
			transport = parsed
		}
	}

	if len(errs) > 0 {
		return domain.GatewaySpec{}, errs
	}
	return domain.GatewaySpec{
		Name:        name,
		URL:         raw.URL,
		Transport:   transport,
		Auth:        domain.AuthValue(raw.Auth),
		Tags:        raw.Tags,
		Description: strings.TrimSpace(raw.Description),
	}, nil
}
