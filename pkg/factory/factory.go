package factory

import (
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// Load reads YAML from the given path, merges the static rules file if one is
// named, applies defaults, and validates.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return nil, err
	}
	if cfg.StaticRulesFile != "" {
		fileRules, loadErr := loadStaticRules(cfg.StaticRulesFile)
		if loadErr != nil {
			return nil, loadErr
		}
		cfg.StaticRules = append(cfg.StaticRules, fileRules...)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

// ReadConfig loads the configuration at path with the DefaultLoader.
func ReadConfig(path string) (*Config, error) {
	var loader Loader = &DefaultLoader{}
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	logger.CfgLog.Infof("read config from %s", path)
	return cfg, nil
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// staticRulesDocument is the layout of a standalone static rules file.
type staticRulesDocument struct {
	Rules []model.PolicyRule `yaml:"rules"`
}

func loadStaticRules(path string) ([]model.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read static rules file")
	}
	var document staticRulesDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, errors.Wrapf(err, "unmarshal static rules %s", path)
	}
	return document.Rules, nil
}

// Print dumps the effective configuration at debug level.
func (cfg *Config) Print() {
	logger.CfgLog.Debugf("effective config:\n%s", spew.Sdump(cfg))
}
