package notices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

// FanoutResult is the terminal payload of a finished fan-out task.
type FanoutResult struct {
	Status  string `json:"status"`
	Created int    `json:"created"`
	Total   int    `json:"total"`
}

// fanoutMeta is the running counter snapshot while fan-out is underway.
type fanoutMeta struct {
	Created int `json:"created"`
	Total   int `json:"total"`
}

func (s *Service) enqueueFanout(ctx context.Context, announcementID int64) (string, error) {
	id := uuid.NewString()
	rec := tstore.Record{ID: id, Kind: KindFanout, State: tstore.StatePending, CreatedAt: time.Now()}
	if err := s.tasks.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("notices: create task record: %w", err)
	}

	var result json.RawMessage

	t := engine.Task{
		ID:   id,
		Name: KindFanout,
		Run: func(runCtx context.Context) error {
			if err := s.tasks.MarkStarted(runCtx, id, time.Now()); err != nil {
				s.log.Warn("task record start update failed", logx.String("task", id), logx.Any("err", err))
			}
			res, err := s.runFanout(runCtx, id, announcementID)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		Done: func(err error, attempts int) {
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			now := time.Now()
			if err != nil {
				if merr := s.tasks.MarkFailure(fctx, id, err.Error(), attempts, now); merr != nil {
					s.log.Error("task record failure update failed", logx.String("task", id), logx.Any("err", merr))
				}
				return
			}
			if merr := s.tasks.MarkSuccess(fctx, id, result, now); merr != nil {
				s.log.Error("task record success update failed", logx.String("task", id), logx.Any("err", merr))
			}
		},
	}
	if err := s.engine.Enqueue(t); err != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if merr := s.tasks.MarkFailure(fctx, id, err.Error(), 0, time.Now()); merr != nil {
			s.log.Error("task record failure update failed", logx.String("task", id), logx.Any("err", merr))
		}
		return "", fmt.Errorf("notices: enqueue fanout: %w", err)
	}
	return id, nil
}

// runFanout expands the announcement into one queued delivery per
// student. The walk is keyset-paginated and every insert is
// conflict-ignoring, so a retry after a partial run only creates the
// rows that are still missing. The audience is not snapshotted up
// front: a student created while the walk is in flight, with an id
// past the cursor, is picked up by a later batch.
func (s *Service) runFanout(ctx context.Context, taskID string, announcementID int64) (json.RawMessage, error) {
	bulk, hasBulk := s.db.(storage.DeliveryBulkInserter)

	var created, total int
	afterID := int64(0)
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		ids, err := s.db.StudentIDs(ctx, afterID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("fanout: list students after %d: %w", afterID, err)
		}
		if len(ids) == 0 {
			break
		}
		now := time.Now()
		if hasBulk {
			n, err := bulk.BulkInsertDeliveries(ctx, announcementID, ids, now)
			if err != nil {
				return nil, fmt.Errorf("fanout: bulk insert: %w", err)
			}
			created += n
		} else {
			for _, uid := range ids {
				ok, err := s.db.InsertDeliveryIfAbsent(ctx, announcementID, uid, now)
				if err != nil {
					return nil, fmt.Errorf("fanout: insert delivery user %d: %w", uid, err)
				}
				if ok {
					created++
				}
			}
		}
		total += len(ids)
		afterID = ids[len(ids)-1]

		meta, _ := json.Marshal(fanoutMeta{Created: created, Total: total})
		if perr := s.tasks.SetProgress(ctx, taskID, meta, time.Now()); perr != nil {
			s.log.Warn("fanout progress update failed", logx.String("task", taskID), logx.Any("err", perr))
		}
		if engine.SoftLimitExceeded(ctx) {
			return nil, engine.ErrSoftLimit
		}
		if len(ids) < s.batchSize {
			break
		}
	}

	s.log.Info("fanout finished",
		logx.Int64("announcement", announcementID),
		logx.Int("created", created),
		logx.Int("total", total))

	return json.Marshal(FanoutResult{Status: "success", Created: created, Total: total})
}
