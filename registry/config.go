package registry

import (
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/sandbox"
)

// NewFromConfig creates a Registry for every configured language.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) *Registry {
	return New(logger, Specs(cfg),
		WithInitTimeout(cfg.Sandbox.InitTimeout),
		WithRetryBackoff(cfg.Sandbox.InitRetryBackoff),
	)
}

// Specs converts the configured languages into backend specs.
func Specs(cfg *config.Config) []sandbox.LanguageSpec {
	specs := make([]sandbox.LanguageSpec, 0, len(cfg.Languages))
	for _, name := range cfg.LanguageNames() {
		lang := cfg.Languages[name]
		specs = append(specs, sandbox.LanguageSpec{
			Name:        name,
			Family:      sandbox.Family(lang.Backend),
			Command:     lang.Command,
			Args:        lang.Args,
			Environment: lang.Environment,
		})
	}
	return specs
}
