package workqueue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей, как в crontab).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, cronExpr, err)
	}
	return nil
}

// NextDue вычисляет следующее время публикации после from.
func NextDue(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, cronExpr, err)
	}
	return schedule.Next(from), nil
}
