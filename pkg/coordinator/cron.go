package coordinator

import (
	"errors"

	"github.com/robfig/cron/v3"

	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// ScheduleRecurring registers a cron entry that resubmits the given task
// template on every tick. The spec is a standard cron expression or an
// @-descriptor (e.g. "@every 1m"). Each tick gets fresh task ids; a tick
// that hits a full queue is logged and skipped, never retried.
func (c *Coordinator) ScheduleRecurring(spec string, taskType tasks.Type, input map[string]interface{}, priority tasks.Priority, metadata map[string]interface{}, dualPipeline bool) (cron.EntryID, error) {
	if !taskType.Valid() {
		return 0, tasks.ErrInvalidTaskType
	}
	if !priority.Valid() {
		return 0, tasks.ErrInvalidPriority
	}

	return c.cron.AddFunc(spec, func() {
		ids, err := c.SubmitTask(taskType, input, priority, metadata, dualPipeline)
		if err != nil {
			level := c.log.Error()
			if errors.Is(err, tasks.ErrQueueFull) || errors.Is(err, tasks.ErrRateLimited) {
				level = c.log.Warn()
			}
			level.Err(err).Str("spec", spec).Str("type", string(taskType)).Msg("Scheduled submission skipped")
			return
		}
		c.log.Info().Str("spec", spec).Str("type", string(taskType)).Int("tasks", len(ids)).Msg("Scheduled task submitted")
	})
}

// RemoveSchedule deregisters a cron entry.
func (c *Coordinator) RemoveSchedule(id cron.EntryID) {
	c.cron.Remove(id)
}
