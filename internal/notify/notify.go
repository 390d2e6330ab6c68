// Package notify delivers approval requests to approvers. The default
// implementation logs the request; real deliveries (email, chat) plug in
// behind the same interface.
package notify

import (
	"context"
	"log/slog"
)

// ApprovalRequest is what an approver receives when a run suspends on an
// approval step.
type ApprovalRequest struct {
	RunID       string
	StepID      string
	Approvers   []string
	Message     string
	ResumeToken string
}

// Notifier delivers approval requests.
type Notifier interface {
	NotifyApproval(ctx context.Context, req *ApprovalRequest) error
}

// LogNotifier writes approval requests to the structured log. Delivery
// failures cannot happen, so a suspended run never blocks on notification.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyApproval(ctx context.Context, req *ApprovalRequest) error {
	n.logger.InfoContext(ctx, "approval requested",
		slog.Any("approvers", req.Approvers),
		slog.String("message", req.Message),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
