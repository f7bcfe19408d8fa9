package factory

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/model"
)

const (
	SessiondDefaultConfigPath = "./config/sessiondcfg.yaml"

	StoreDriverMemory = "memory"
	StoreDriverBadger = "badger"
	StoreDriverRedis  = "redis"
)

// Config is the top-level configuration loaded from config/sessiondcfg.yaml.
type Config struct {
	Info       InfoSection       `yaml:"info"`
	Logging    LoggingSection    `yaml:"logging"`
	Sessiond   SessiondSection   `yaml:"sessiond"`
	Store      StoreConfig       `yaml:"store"`
	Pipelined  PipelinedSection  `yaml:"pipelined"`
	Proxy      ProxySection      `yaml:"proxy"`
	Access     AccessSection     `yaml:"access"`
	Sbi        SbiSection        `yaml:"sbi"`
	Southbound SouthboundSection `yaml:"southbound"`

	StaticRules     []model.PolicyRule `yaml:"staticRules"`
	StaticRulesFile string             `yaml:"staticRulesFile,omitempty"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version" valid:"required"`
	Description string `yaml:"description"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"` // "trace" | "debug" | "info" | "warn" | "error"
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- sessiond (enforcement core) ----------

type SessiondSection struct {
	// Fraction of a grant whose use triggers an update request.
	QuotaExhaustionThreshold float64 `yaml:"quotaExhaustionThreshold"`
	// Terminate sessions whose non-final grant is used up with no answer.
	TerminateOnExhaustion bool `yaml:"terminateOnExhaustion"`

	ForceTerminationTimeoutMs int `yaml:"forceTerminationTimeoutMs"`
	BearerCreationDelayMs     int `yaml:"bearerCreationDelayMs"`
	UpdateRetryDelayMs        int `yaml:"updateRetryDelayMs"`
	OrphanCleanupTTLSec       int `yaml:"orphanCleanupTtlSec"`

	ConflictRetries      int `yaml:"conflictRetries"`
	ConflictRetryDelayMs int `yaml:"conflictRetryDelayMs"`
}

func (section SessiondSection) ForceTerminationTimeout() time.Duration {
	return time.Duration(section.ForceTerminationTimeoutMs) * time.Millisecond
}

func (section SessiondSection) BearerCreationDelay() time.Duration {
	return time.Duration(section.BearerCreationDelayMs) * time.Millisecond
}

func (section SessiondSection) UpdateRetryDelay() time.Duration {
	return time.Duration(section.UpdateRetryDelayMs) * time.Millisecond
}

func (section SessiondSection) OrphanCleanupTTL() time.Duration {
	return time.Duration(section.OrphanCleanupTTLSec) * time.Second
}

func (section SessiondSection) ConflictRetryDelay() time.Duration {
	return time.Duration(section.ConflictRetryDelayMs) * time.Millisecond
}

// ---------- store ----------

type StoreConfig struct {
	Driver    string `yaml:"driver" valid:"in(memory|badger|redis)"`
	Path      string `yaml:"path,omitempty"` // badger directory; empty runs in memory
	Addr      string `yaml:"addr,omitempty"` // redis host:port
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
}

// ---------- pipelined (enforcement plane) ----------

type PipelinedSection struct {
	PeerAddr        string `yaml:"peerAddr"`  // PFCP peer, e.g. "127.0.0.1:8805"
	LocalAddr       string `yaml:"localAddr"` // local PFCP socket, e.g. "0.0.0.0:8806"
	NodeID          string `yaml:"nodeId"`    // IPv4 node id advertised in requests
	RPCTimeoutMs    int    `yaml:"rpcTimeoutMs"`
	PollIntervalSec int    `yaml:"pollIntervalSec"` // 0 disables stats polling
}

func (section PipelinedSection) RPCTimeout() time.Duration {
	return time.Duration(section.RPCTimeoutMs) * time.Millisecond
}

func (section PipelinedSection) PollInterval() time.Duration {
	return time.Duration(section.PollIntervalSec) * time.Second
}

// ---------- proxy (charging / policy server) ----------

type ProxySection struct {
	BaseURL            string `yaml:"baseUrl" valid:"url,required"`
	TimeoutMs          int    `yaml:"timeoutMs"`
	BreakerMaxFailures int    `yaml:"breakerMaxFailures"`
	BreakerOpenSec     int    `yaml:"breakerOpenSec"`
}

func (section ProxySection) Timeout() time.Duration {
	return time.Duration(section.TimeoutMs) * time.Millisecond
}

func (section ProxySection) BreakerOpen() time.Duration {
	return time.Duration(section.BreakerOpenSec) * time.Second
}

// ---------- access network notifiers ----------

type AccessSection struct {
	LteBaseURL  string `yaml:"lteBaseUrl,omitempty"`  // bearer controller for LTE sessions
	WlanBaseURL string `yaml:"wlanBaseUrl,omitempty"` // AAA for WLAN sessions
	TimeoutMs   int    `yaml:"timeoutMs"`
}

func (section AccessSection) Timeout() time.Duration {
	return time.Duration(section.TimeoutMs) * time.Millisecond
}

// ---------- sbi / southbound listeners ----------

type SbiSection struct {
	ListenAddr string `yaml:"listenAddr"` // e.g. "0.0.0.0:8095"
}

type SouthboundSection struct {
	ListenAddr string `yaml:"listenAddr"` // e.g. "0.0.0.0:8096"
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	// sessiond
	if cfg.Sessiond.QuotaExhaustionThreshold <= 0 {
		cfg.Sessiond.QuotaExhaustionThreshold = 0.8
	}
	if cfg.Sessiond.ForceTerminationTimeoutMs <= 0 {
		cfg.Sessiond.ForceTerminationTimeoutMs = 5000
	}
	if cfg.Sessiond.BearerCreationDelayMs <= 0 {
		cfg.Sessiond.BearerCreationDelayMs = 500
	}
	if cfg.Sessiond.UpdateRetryDelayMs <= 0 {
		cfg.Sessiond.UpdateRetryDelayMs = 1000
	}
	if cfg.Sessiond.OrphanCleanupTTLSec <= 0 {
		cfg.Sessiond.OrphanCleanupTTLSec = 30
	}
	if cfg.Sessiond.ConflictRetries <= 0 {
		cfg.Sessiond.ConflictRetries = 3
	}
	if cfg.Sessiond.ConflictRetryDelayMs <= 0 {
		cfg.Sessiond.ConflictRetryDelayMs = 10
	}
	// store
	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = StoreDriverMemory
	}
	// pipelined
	if strings.TrimSpace(cfg.Pipelined.LocalAddr) == "" {
		cfg.Pipelined.LocalAddr = "0.0.0.0:0"
	}
	if cfg.Pipelined.RPCTimeoutMs <= 0 {
		cfg.Pipelined.RPCTimeoutMs = 2000
	}
	// proxy
	if cfg.Proxy.TimeoutMs <= 0 {
		cfg.Proxy.TimeoutMs = 3000
	}
	if cfg.Proxy.BreakerMaxFailures <= 0 {
		cfg.Proxy.BreakerMaxFailures = 5
	}
	if cfg.Proxy.BreakerOpenSec <= 0 {
		cfg.Proxy.BreakerOpenSec = 30
	}
	// access
	if cfg.Access.TimeoutMs <= 0 {
		cfg.Access.TimeoutMs = 3000
	}
	// listeners
	if strings.TrimSpace(cfg.Sbi.ListenAddr) == "" {
		cfg.Sbi.ListenAddr = "0.0.0.0:8095"
	}
	if strings.TrimSpace(cfg.Southbound.ListenAddr) == "" {
		cfg.Southbound.ListenAddr = "0.0.0.0:8096"
	}
}

// ---------- validation helpers ----------

func isValidHostPort(hostport string) bool {
	// net.SplitHostPort requires a port; check first if it contains colon
	if !strings.Contains(hostport, ":") {
		return false
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if strings.TrimSpace(host) == "" || strings.TrimSpace(port) == "" {
		return false
	}
	return true
}

func isValidBaseURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	return true
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		return errors.Wrap(err, "struct validation")
	}

	// sessiond
	if cfg.Sessiond.QuotaExhaustionThreshold > 1 {
		return fmt.Errorf("sessiond.quotaExhaustionThreshold must be in (0, 1]: %v",
			cfg.Sessiond.QuotaExhaustionThreshold)
	}

	// store
	switch cfg.Store.Driver {
	case StoreDriverMemory, StoreDriverBadger:
	case StoreDriverRedis:
		if !isValidHostPort(cfg.Store.Addr) {
			return fmt.Errorf("store.addr is invalid for redis: %q", cfg.Store.Addr)
		}
	default:
		return fmt.Errorf("store.driver unsupported: %q", cfg.Store.Driver)
	}

	// pipelined
	if !isValidHostPort(cfg.Pipelined.PeerAddr) {
		return fmt.Errorf("pipelined.peerAddr is invalid: %q", cfg.Pipelined.PeerAddr)
	}
	if net.ParseIP(cfg.Pipelined.NodeID).To4() == nil {
		return fmt.Errorf("pipelined.nodeId must be an IPv4 address: %q", cfg.Pipelined.NodeID)
	}
	if cfg.Pipelined.PollIntervalSec < 0 {
		return fmt.Errorf("pipelined.pollIntervalSec must be >= 0")
	}

	// proxy
	if !isValidBaseURL(cfg.Proxy.BaseURL) {
		return fmt.Errorf("proxy.baseUrl is invalid: %q", cfg.Proxy.BaseURL)
	}

	// access
	for name, baseURL := range map[string]string{
		"access.lteBaseUrl":  cfg.Access.LteBaseURL,
		"access.wlanBaseUrl": cfg.Access.WlanBaseURL,
	} {
		if baseURL != "" && !isValidBaseURL(baseURL) {
			return fmt.Errorf("%s is invalid: %q", name, baseURL)
		}
	}

	// listeners
	if !isValidHostPort(cfg.Sbi.ListenAddr) {
		return fmt.Errorf("sbi.listenAddr is invalid: %q", cfg.Sbi.ListenAddr)
	}
	if !isValidHostPort(cfg.Southbound.ListenAddr) {
		return fmt.Errorf("southbound.listenAddr is invalid: %q", cfg.Southbound.ListenAddr)
	}

	// static rules
	seen := make(map[string]struct{}, len(cfg.StaticRules))
	for i, rule := range cfg.StaticRules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("staticRules[%d].id is empty", i)
		}
		if _, ok := seen[rule.ID]; ok {
			return fmt.Errorf("staticRules[%d].id duplicated: %q", i, rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
