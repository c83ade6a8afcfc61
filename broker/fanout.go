package broker

import (
	"context"
	"sort"

	"goa.design/clue/log"

	"github.com/splitmind/coord/broker/state"
)

// fanOut duplicates one envelope into the queue of every agent that is active
// at the moment the broadcast is processed, skipping exclude. Agents joining
// later never see it. Per-recipient push failures are logged and skipped so
// one full or failing queue cannot block the rest of the fleet. Returns the
// recipient count.
func (s *Service) fanOut(ctx context.Context, projectID, exclude string, env state.Envelope) (int, error) {
	agents, err := s.gw.Agents(ctx, projectID)
	if err != nil {
		return 0, err
	}
	sessions := make([]string, 0, len(agents))
	for session, agent := range agents {
		if session == exclude || agent.Status != state.StatusActive {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Strings(sessions)

	count := 0
	for _, session := range sessions {
		if err := s.gw.PushMessage(ctx, projectID, session, env, s.maxQueueLen); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "broadcast push failed"},
				log.KV{K: "session", V: session}, log.KV{K: "err", V: err})
			continue
		}
		count++
	}
	return count, nil
}
