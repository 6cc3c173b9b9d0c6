package transfer

import (
	"context"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// AssetResolver finds where the data of an offered asset lives.
type AssetResolver interface {
	Resolve(ctx context.Context, assetID string) (transfer.DataAddress, error)
}

// StaticAssets resolves assets from a fixed map, usually loaded from config.
type StaticAssets map[string]transfer.DataAddress

func (a StaticAssets) Resolve(_ context.Context, assetID string) (transfer.DataAddress, error) {
	addr, ok := a[assetID]
	if !ok {
		return transfer.DataAddress{}, entity.Invalid("unknown asset %q", assetID)
	}
	return addr.Copy(), nil
}
