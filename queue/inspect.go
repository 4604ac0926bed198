package queue

import (
	"context"
)

// QueueInfo is a point in time summary of one queue.
type QueueInfo struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	ActiveCount     int64  `json:"active_count"`
	DeadLetterCount int64  `json:"dead_letter_count"`
	Err             error  `json:"-"`
}

// Inspect summarises every registered queue. Drivers without inspection support
// report ErrNotSupported in Err.
func (m *Manager) Inspect(ctx context.Context) []QueueInfo {
	queues := m.Queues()
	infos := make([]QueueInfo, 0, len(queues))

	for _, q := range queues {
		info := QueueInfo{Name: q.Name(), URL: q.Transport().URL()}

		active, err := q.Transport().MessageCount(ctx)
		if err != nil {
			info.Err = err
			infos = append(infos, info)
			continue
		}
		info.ActiveCount = active

		dead, err := q.Transport().DeadLetterMessageCount(ctx)
		if err != nil {
			info.Err = err
		}
		info.DeadLetterCount = dead

		infos = append(infos, info)
	}
	return infos
}
