package everything

import (
	"context"

	"github.com/TangGee/go-mcp-runtime"
)

func (s *Server) reportProgress(ctx context.Context, ex *mcp.Exchange, meta *mcp.RequestMeta, progress, total float64) error {
	if meta == nil {
		return nil
	}
	return ex.Progress(ctx, mcp.ProgressNotification{
		ProgressToken: meta.ProgressToken,
		Progress:      progress,
		Total:         total,
	})
}
