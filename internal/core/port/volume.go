package port

import (
	"context"

	"github.com/guillermoBallester/querygate/internal/core/domain"
)

// VolumeSource supplies live table sizes for the budget estimate.
type VolumeSource interface {
	Volumes(ctx context.Context) (domain.VolumeModel, error)
}
