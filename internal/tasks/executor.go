package tasks

import (
	"context"
	"fmt"

	"github.com/adpilot/automation-service/internal/adplatform"
	"github.com/adpilot/automation-service/internal/types"
)

// Duplicator is the ad-platform surface used for duplication
type Duplicator interface {
	DuplicateEntity(ctx context.Context, accountID, entityID string, opts adplatform.DuplicateOptions) (string, error)
}

// DuplicateExecutor executes duplicate operations against the ad platform
type DuplicateExecutor struct {
	platform Duplicator
}

// NewDuplicateExecutor creates an executor over the ad-platform client
func NewDuplicateExecutor(platform Duplicator) *DuplicateExecutor {
	return &DuplicateExecutor{platform: platform}
}

// Execute implements Executor
func (e *DuplicateExecutor) Execute(ctx context.Context, _ string, op types.Operation) error {
	switch op.Kind {
	case types.OpDuplicate, "":
		_, err := e.platform.DuplicateEntity(ctx, op.AccountID, op.EntityID, adplatform.DuplicateOptions{
			NamePrefix: op.NamePrefix,
			Budget:     op.BudgetOverride,
		})
		return err
	default:
		return fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}
