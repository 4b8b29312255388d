package harvester

import (
	"context"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// WritePage implements pagebuffer.Writer, letting the Page Buffer's
// background drain loop retry a pending page's Citation upsert through the
// same path a normal harvest pass uses (§4.5).
func (h *Harvester) WritePage(ctx context.Context, page model.BufferedPage) error {
	psc := &pageSaveContext{}

	if err := h.upsertPage(ctx, psc, page); err != nil {
		return fmt.Errorf("harvester: drain write page: %w", err)
	}

	return nil
}
