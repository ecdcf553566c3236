package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dohr-michael/taskvault/internal/gateway/ws"
	"github.com/dohr-michael/taskvault/internal/maintenance"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

// storeHandler implements ws.Handler on top of the store.
type storeHandler struct {
	store Store
}

func (h *storeHandler) Handle(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	switch method {
	case ws.MethodGetMetrics:
		return h.store.Metrics(), nil

	case ws.MethodListSessions:
		var p struct {
			Active bool `json:"active"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return listSessions(ctx, h.store, p.Active)

	case ws.MethodRunCleanup:
		return runCleanup(ctx, h.store)

	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

func listSessions(ctx context.Context, store Store, activeOnly bool) ([]tasks.SessionMetadata, error) {
	var (
		list []tasks.SessionMetadata
		err  error
	)
	if activeOnly {
		list, err = store.ListActiveSessions(ctx)
	} else {
		list, err = store.ListSessions(ctx)
	}
	if list == nil {
		list = []tasks.SessionMetadata{}
	}
	return list, err
}

// CleanupFailure is one task a cleanup run could not remove.
type CleanupFailure struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// CleanupReport is the JSON form of a cleanup run.
type CleanupReport struct {
	StartedAt time.Time        `json:"startedAt"`
	Duration  string           `json:"duration"`
	Scanned   int              `json:"scanned"`
	Removed   []string         `json:"removed"`
	Failed    []CleanupFailure `json:"failed"`
}

func runCleanup(ctx context.Context, store Store) (*CleanupReport, error) {
	res, err := store.PerformCleanup(ctx)
	if res == nil {
		return nil, err
	}
	return NewCleanupReport(res), err
}

// NewCleanupReport converts a sweep result into its JSON form.
func NewCleanupReport(res *maintenance.Result) *CleanupReport {
	report := &CleanupReport{
		StartedAt: res.StartedAt,
		Duration:  res.Duration.String(),
		Scanned:   res.Scanned,
		Removed:   append([]string{}, res.Removed...),
		Failed:    []CleanupFailure{},
	}
	for _, f := range res.Failed {
		report.Failed = append(report.Failed, CleanupFailure{TaskID: f.TaskID, Error: f.Err.Error()})
	}
	return report
}
