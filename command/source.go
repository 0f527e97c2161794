package command

import (
	"context"

	"github.com/consometers/quoalise/wire"
)

// Source is the upstream data source collaborator: the external system that
// actually holds sensor readings. Implementations translate their native
// failures into *errors.UpstreamError so issuer, code and message survive
// verbatim to the wire; any other returned error is treated as an internal
// fault of the integration.
//
// GetHistory may block; it must honor ctx cancellation. The returned
// dataset must already satisfy wire.Dataset.Validate.
type Source interface {
	// GetHistory returns the measurements for q on behalf of requester.
	GetHistory(ctx context.Context, requester string, q Query) (wire.Dataset, error)
}

// SourceFunc adapts a function to the Source interface
type SourceFunc func(ctx context.Context, requester string, q Query) (wire.Dataset, error)

// GetHistory implements Source
func (f SourceFunc) GetHistory(ctx context.Context, requester string, q Query) (wire.Dataset, error) {
	return f(ctx, requester, q)
}
