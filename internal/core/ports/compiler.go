package ports

import (
	"context"

	"github.com/ark-network/escrowd/internal/core/domain"
)

// ContractCompiler turns a template and its arguments into a control
// program. Identical params must always produce the same program.
type ContractCompiler interface {
	Compile(ctx context.Context, templateId string, params []domain.ContractParam) ([]byte, error)
}
