package catalogstore

import (
	"context"
	"time"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// ObserveLeadership arbitrates a single, in-process FIFO leadership lease
// across every client id that calls it: the first caller with no current
// leader is promoted immediately; later callers are queued and promoted in
// call order as soon as the current leader's context is done. This
// generalizes a single-instance exclusive lock (one holder at a time) into
// an observable, queued lease so a later tab does not have to poll.
func (s *Store) ObserveLeadership(ctx context.Context, clientID string) (<-chan filesync.LeadershipState, error) {
	ch := make(chan filesync.LeadershipState, 2)

	s.leaderMu.Lock()

	if s.leader == "" {
		s.leader = clientID
		s.promote(ctx, clientID)
		ch <- filesync.LeaderHasLock
	} else {
		s.waiters = append(s.waiters, leadershipWaiter{clientID: clientID, ch: ch})
		ch <- filesync.LeaderNoLock
	}

	s.leaderMu.Unlock()

	go s.releaseOnDone(ctx, clientID, ch)

	return ch, nil
}

// promote persists the lease row so a restart can observe the last known
// leader, purely informational since arbitration itself is in-process.
func (s *Store) promote(ctx context.Context, clientID string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leadership (client_id, is_leader, acquired_at) VALUES (?, 1, ?)
		ON CONFLICT(client_id) DO UPDATE SET is_leader = 1, acquired_at = excluded.acquired_at`,
		clientID, fmtTime(timeNow()))
	if err != nil {
		s.logger.Warn("catalogstore: persist leadership row failed", "client_id", clientID, "error", err)
	}
}

func (s *Store) releaseOnDone(ctx context.Context, clientID string, ch chan filesync.LeadershipState) {
	<-ctx.Done()

	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()

	if s.leader == clientID {
		s.leader = ""

		if _, err := s.db.Exec(`UPDATE leadership SET is_leader = 0 WHERE client_id = ?`, clientID); err != nil {
			s.logger.Warn("catalogstore: clear leadership row failed", "client_id", clientID, "error", err)
		}

		if len(s.waiters) > 0 {
			next := s.waiters[0]
			s.waiters = s.waiters[1:]
			s.leader = next.clientID
			s.promote(context.Background(), next.clientID)

			select {
			case next.ch <- filesync.LeaderHasLock:
			default:
			}
		}

		return
	}

	for i, w := range s.waiters {
		if w.clientID == clientID {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
}

// timeNow exists so tests can be written against a fixed clock without
// reaching for a package-level var override; it is the one place this
// package calls wall-clock time outside of caller-supplied timestamps.
func timeNow() time.Time { return time.Now() }
