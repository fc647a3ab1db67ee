package boot

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
	"github.com/dshills/agentrt/policy"
	"github.com/dshills/agentrt/ratelimit"
	"github.com/dshills/agentrt/redact"
)

// Config is the boot-time configuration surface. Every recognised option
// is a field here; there is no dynamic option bag.
type Config struct {
	DataDir  string
	AllowDev bool

	// AuditTrailPath overrides the default "<dataDir>/audit-trail.jsonl".
	AuditTrailPath string
	HMACKey        []byte

	MCPToolNames []string
	ActionPolicy map[string]policy.Rule

	ExtraRedactionPatterns []redact.Pattern

	// MirrorPath, if non-empty, attaches a SQLite snapshot mirror at this
	// path to every store the factory mints. Best-effort and
	// non-authoritative; a mirror that fails to open degrades the store
	// factory instead of failing boot.
	MirrorPath string

	BreakerConfig     breaker.Config
	RateLimiterConfig ratelimit.Config

	Clock   clock.Clock
	Logger  obslog.Logger
	Metrics *obsmetrics.Metrics
}

// ValidateConfig rejects a Config whose recognised options are out of
// range before any subsystem construction begins.
func ValidateConfig(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("%w: DataDir is required", ErrConfigInvalid)
	}
	if cfg.BreakerConfig.FailureThreshold < 0 {
		return fmt.Errorf("%w: BreakerConfig.FailureThreshold must not be negative", ErrConfigInvalid)
	}
	if cfg.BreakerConfig.RollingWindow < 0 || cfg.BreakerConfig.OpenDuration < 0 {
		return fmt.Errorf("%w: breaker durations must not be negative", ErrConfigInvalid)
	}
	if cfg.RateLimiterConfig.GlobalCapacity < 0 || cfg.RateLimiterConfig.WorkflowCapacity < 0 {
		return fmt.Errorf("%w: rate-limiter capacities must not be negative", ErrConfigInvalid)
	}
	if cfg.RateLimiterConfig.GlobalRefillPerHour < 0 || cfg.RateLimiterConfig.WorkflowRefillPerHour < 0 {
		return fmt.Errorf("%w: rate-limiter refill rates must not be negative", ErrConfigInvalid)
	}
	return nil
}

// fileConfig is the YAML-friendly mirror of Config: plain strings for
// fields Config keeps as compiled/binary types, so operators write
// boot.yaml without touching Go source.
type fileConfig struct {
	DataDir                string            `yaml:"dataDir"`
	AllowDev               bool              `yaml:"allowDev"`
	AuditTrailPath         string            `yaml:"auditTrailPath"`
	HMACKeyHex             string            `yaml:"hmacKey"`
	MCPToolNames           []string          `yaml:"mcpToolNames"`
	MirrorPath             string            `yaml:"mirrorPath"`
	ActionPolicy           map[string]fileRule `yaml:"actionPolicy"`
	ExtraRedactionPatterns []filePattern     `yaml:"extraRedactionPatterns"`
}

type fileRule struct {
	Allow        bool            `yaml:"allow"`
	Deny         bool            `yaml:"deny"`
	DeniedEvents []string        `yaml:"deniedEvents"`
	Constraints  fileConstraints `yaml:"constraints"`
}

type fileConstraints struct {
	ForceDraft    bool     `yaml:"forceDraft"`
	AllowedLabels []string `yaml:"allowedLabels"`
	MaxBodyLength int      `yaml:"maxBodyLength"`
}

type filePattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// LoadConfigFile reads a YAML boot configuration from path and converts it
// into a Config. Regex patterns in extraRedactionPatterns are compiled
// eagerly so a malformed pattern fails here rather than deep inside Boot.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("boot: read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, &SubsystemError{Subsystem: "configuration", Code: "config_invalid", Err: err}
	}

	cfg := Config{
		DataDir:        fc.DataDir,
		AllowDev:       fc.AllowDev,
		AuditTrailPath: fc.AuditTrailPath,
		MCPToolNames:   fc.MCPToolNames,
		MirrorPath:     fc.MirrorPath,
	}

	if fc.HMACKeyHex != "" {
		cfg.HMACKey = []byte(fc.HMACKeyHex)
	}

	if len(fc.ActionPolicy) > 0 {
		cfg.ActionPolicy = make(map[string]policy.Rule, len(fc.ActionPolicy))
		for action, r := range fc.ActionPolicy {
			denied := make(map[string]bool, len(r.DeniedEvents))
			for _, e := range r.DeniedEvents {
				denied[e] = true
			}
			allowedLabels := map[string]bool(nil)
			if len(r.Constraints.AllowedLabels) > 0 {
				allowedLabels = make(map[string]bool, len(r.Constraints.AllowedLabels))
				for _, l := range r.Constraints.AllowedLabels {
					allowedLabels[l] = true
				}
			}
			cfg.ActionPolicy[action] = policy.Rule{
				Allow:        r.Allow,
				Deny:         r.Deny,
				DeniedEvents: denied,
				Constraints: policy.Constraints{
					ForceDraft:    r.Constraints.ForceDraft,
					AllowedLabels: allowedLabels,
					MaxBodyLength: r.Constraints.MaxBodyLength,
				},
			}
		}
	}

	for _, p := range fc.ExtraRedactionPatterns {
		compiled, err := redact.CompilePattern(p.Name, p.Pattern)
		if err != nil {
			return Config{}, &SubsystemError{Subsystem: "redactor", Code: "config_invalid", Err: err}
		}
		cfg.ExtraRedactionPatterns = append(cfg.ExtraRedactionPatterns, compiled)
	}

	return cfg, nil
}

const defaultLeaseWarning = 30 * time.Second
