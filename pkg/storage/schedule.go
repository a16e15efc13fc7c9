package storage

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "empty expression")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "%q: %v", expr, err)
	}
	return s, nil
}

// RecurringJobName is the scheduler key for a workflow's recurring seed.
func RecurringJobName(workflowID string) string {
	return "flowq:" + workflowID
}
