package expr

import (
	"fmt"
	"time"
)

// Security levels restricting what expressions may do.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config configures the expression engine.
type Config struct {
	// SecurityLevel defines security restrictions (strict, standard, permissive)
	SecurityLevel string `yaml:"security_level,omitempty" json:"security_level,omitempty"`

	// Timeout bounds a single expression evaluation. Zero disables it.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// EnabledUtilities lists the helper modules exposed to expressions
	// (console, encoding, text). Nil selects the defaults of the level.
	EnabledUtilities []string `yaml:"enabled_utilities,omitempty" json:"enabled_utilities,omitempty"`

	// MaxStackDepth is the maximum call stack depth
	MaxStackDepth int `yaml:"max_stack_depth,omitempty" json:"max_stack_depth,omitempty"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = DefaultUtilitiesByLevel[c.SecurityLevel]
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = 256
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	if c.MaxStackDepth <= 0 {
		return fmt.Errorf("max_stack_depth must be positive")
	}
	return nil
}

// DefaultUtilitiesByLevel defines default utilities for each security level
var DefaultUtilitiesByLevel = map[string][]string{
	SecurityLevelStrict:     {"text"},
	SecurityLevelStandard:   {"console", "encoding", "text"},
	SecurityLevelPermissive: {"console", "encoding", "text"},
}
