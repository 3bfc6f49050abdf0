package hub

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/fleethub/broker/internal/config"
	"github.com/fleethub/broker/internal/logger"
)

// StartTopicRelationsRefresh loads the full topic allow-list immediately and
// then every config.TopicRelationsRefresh, atomically swapping it into the
// hub (spec §9 redesign: overwrite, never merge additively). Returns the
// running *cron.Cron so callers can Stop() it on shutdown.
func (h *Hub) StartTopicRelationsRefresh(ctx context.Context) *cron.Cron {
	h.refreshTopicRelationsOnce(ctx)

	c := cron.New()
	spec := "@every " + config.TopicRelationsRefresh.String()
	_, err := c.AddFunc(spec, func() { h.refreshTopicRelationsOnce(ctx) })
	if err != nil {
		logger.Hub().Error().Err(err).Msg("failed to schedule topic relations refresh")
		return c
	}
	c.Start()
	return c
}

func (h *Hub) refreshTopicRelationsOnce(ctx context.Context) {
	rows, err := h.st.GetAllTopicRelations(ctx)
	if err != nil {
		logger.Hub().Error().Err(err).Msg("topic relations refresh failed")
		return
	}

	fresh := make(map[string]map[string]struct{}, len(rows))
	for _, r := range rows {
		if fresh[r.AccountID] == nil {
			fresh[r.AccountID] = make(map[string]struct{})
		}
		fresh[r.AccountID][r.TopicID] = struct{}{}
	}

	h.RefreshTopicRelations(fresh)
}
