package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Open brings up the backend described by spec. For the interpreter family
// this performs the cold start and blocks until the runtime is ready or ctx
// ends.
func Open(ctx context.Context, logger *zap.Logger, spec LanguageSpec) (Backend, error) {
	switch spec.Family {
	case FamilyProcess:
		backend, err := NewProcessBackend(logger, spec)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case FamilyInterpreter:
		backend, err := StartInterpreterBackend(ctx, logger, spec)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", spec.Family)
	}
}
