package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loglens/api/internal/model"
)

// RedisStore keeps jobs in Redis. Layout per job:
//
//	job:<id>          hash    lifecycle fields
//	job:<id>:files    list    attached file JSON, manifest order
//	job:<id>:fileids  set     attachment idempotence guard
//	job:<id>:events   list    event JSON; list index+1 is the sequence number
//	job:<id>:notify   pubsub  new-event signal for subscribers
//	jobs:pending      zset    claim queue, scored by (-priority, createdAt)
//	jobs:terminal     zset    terminal jobs scored by completion time
//
// Compound transitions (attach+activate, claim, finalize, cancel) are Lua
// scripts so each is a single atomic round trip; concurrent claimers get
// exactly one winner without any lock table.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

const (
	pendingKey  = "jobs:pending"
	terminalKey = "jobs:terminal"
)

func jobKey(id string) string { return "job:" + id }

// appendEventLua assigns the next sequence number from the list length,
// pushes the event, folds progress/stage into the job hash and publishes
// the sequence for live tails. Shared by every transition script.
const appendEventLua = `
local function append_event(key, evt)
    local seq = redis.call('LLEN', key .. ':events') + 1
    evt['seq'] = seq
    redis.call('RPUSH', key .. ':events', cjson.encode(evt))
    local progress = tonumber(evt['progress'])
    if progress and progress > tonumber(redis.call('HGET', key, 'progress') or '0') then
        redis.call('HSET', key, 'progress', progress)
    end
    if evt['stage'] and evt['stage'] ~= '' then
        redis.call('HSET', key, 'stage', evt['stage'])
    end
    redis.call('PUBLISH', key .. ':notify', seq)
    return seq
end
`

var attachScript = redis.NewScript(appendEventLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'unknown' end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'draft' and status ~= 'pending' then return 'invalid' end
if redis.call('SADD', KEYS[1] .. ':fileids', ARGV[1]) == 1 then
    redis.call('RPUSH', KEYS[1] .. ':files', ARGV[2])
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
end
if status == 'draft' then
    redis.call('HSET', KEYS[1], 'status', 'pending', 'updated_at', ARGV[4])
    redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
    append_event(KEYS[1], cjson.decode(ARGV[3]))
end
return 'ok'
`)

var claimScript = redis.NewScript(appendEventLua + `
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local key = 'job:' .. id
redis.call('HSET', key, 'status', 'running', 'worker', ARGV[1], 'started_at', ARGV[2], 'updated_at', ARGV[2])
local evt = cjson.decode(ARGV[3])
evt['jobId'] = id
append_event(key, evt)
return id
`)

var finalizeScript = redis.NewScript(appendEventLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'unknown' end
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then return 'invalid' end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[3], 'updated_at', ARGV[3])
if ARGV[2] ~= '' then redis.call('HSET', KEYS[1], 'error', ARGV[2]) end
local evt = cjson.decode(ARGV[4])
if ARGV[1] == 'completed' then
    redis.call('HSET', KEYS[1], 'progress', 100)
else
    evt['progress'] = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
append_event(KEYS[1], evt)
return 'ok'
`)

var cancelScript = redis.NewScript(appendEventLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'unknown' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'pending' then
    redis.call('ZREM', KEYS[2], ARGV[3])
    redis.call('HSET', KEYS[1], 'status', 'cancelled', 'completed_at', ARGV[1], 'updated_at', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[1], ARGV[3])
    append_event(KEYS[1], cjson.decode(ARGV[2]))
    return 'cancelled'
end
if status == 'running' then
    redis.call('HSET', KEYS[1], 'cancel', '1', 'updated_at', ARGV[1])
    return 'running'
end
return 'invalid'
`)

var appendScript = redis.NewScript(appendEventLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return append_event(KEYS[1], cjson.decode(ARGV[1]))
`)

func (s *RedisStore) CreateDraft(ctx context.Context, owner, provider, mdl string, priority int) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	err := s.rdb.HSet(ctx, jobKey(id), map[string]interface{}{
		"id":         id,
		"status":     string(model.JobStatusDraft),
		"priority":   priority,
		"owner":      owner,
		"provider":   provider,
		"model":      mdl,
		"progress":   0,
		"created_at": now.UnixMilli(),
		"updated_at": now.UnixMilli(),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("create draft: %w", err)
	}
	return id, nil
}

// pendingScore orders the claim queue: priority dominates (negated so higher
// priority sorts first), creation time breaks ties.
func pendingScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(createdAt.UnixMilli())
}

func (s *RedisStore) AttachAndActivate(ctx context.Context, jobID string, file model.AttachedFile) error {
	now := time.Now().UTC()
	file.JobID = jobID
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	fileJSON, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal file: %w", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	evtJSON, err := marshalEvent(jobID, model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  model.JobStatusPending,
		Message: "input attached, queued for analysis",
	})
	if err != nil {
		return err
	}

	res, err := attachScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), pendingKey},
		file.ID, fileJSON, evtJSON, now.UnixMilli(),
		pendingScore(job.Priority, job.CreatedAt), jobID,
	).Text()
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "unknown":
		return ErrUnknownJob
	default:
		return ErrInvalidState
	}
}

func (s *RedisStore) ClaimNextPending(ctx context.Context, workerID string) (*model.Job, error) {
	now := time.Now().UTC()
	evtJSON, err := marshalEvent("", model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  model.JobStatusRunning,
		Message: "claimed by worker",
		Detail:  map[string]interface{}{"worker": workerID},
	})
	if err != nil {
		return nil, err
	}

	res, err := claimScript.Run(ctx, s.rdb,
		[]string{pendingKey}, workerID, now.UnixMilli(), evtJSON,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	id, _ := res.(string)
	if id == "" {
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

func (s *RedisStore) Finalize(ctx context.Context, jobID string, outcome model.JobStatus, errMsg string) error {
	if !outcome.Terminal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	evt := model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  outcome,
		Message: errMsg,
	}
	if outcome == model.JobStatusCompleted {
		evt.Progress = 100
		if evt.Message == "" {
			evt.Message = "analysis complete"
		}
	}
	evtJSON, err := marshalEvent(jobID, evt)
	if err != nil {
		return err
	}

	res, err := finalizeScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), terminalKey},
		string(outcome), errMsg, now.UnixMilli(), evtJSON, jobID,
	).Text()
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "unknown":
		return ErrUnknownJob
	default:
		return ErrInvalidState
	}
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error) {
	now := time.Now().UTC()
	evtJSON, err := marshalEvent(jobID, model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  model.JobStatusCancelled,
		Message: "cancelled before processing",
	})
	if err != nil {
		return "", err
	}

	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), pendingKey, terminalKey},
		now.UnixMilli(), evtJSON, jobID,
	).Text()
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	switch res {
	case "cancelled":
		return model.JobStatusCancelled, nil
	case "running":
		return model.JobStatusRunning, nil
	case "unknown":
		return "", ErrUnknownJob
	default:
		job, gerr := s.GetJob(ctx, jobID)
		if gerr != nil {
			return "", gerr
		}
		return job.Status, ErrInvalidState
	}
}

func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	res, err := s.rdb.HGet(ctx, jobKey(jobID), "cancel").Result()
	if err == redis.Nil {
		exists, eerr := s.rdb.Exists(ctx, jobKey(jobID)).Result()
		if eerr != nil {
			return false, eerr
		}
		if exists == 0 {
			return false, ErrUnknownJob
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == "1", nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownJob
	}
	return parseJobHash(fields), nil
}

func parseJobHash(fields map[string]string) *model.Job {
	job := &model.Job{
		ID:           fields["id"],
		Status:       model.JobStatus(fields["status"]),
		Owner:        fields["owner"],
		Provider:     fields["provider"],
		Model:        fields["model"],
		Worker:       fields["worker"],
		CurrentStage: fields["stage"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	if v := fields["error"]; v != "" {
		job.Error = &v
	}
	job.CreatedAt = msTime(fields["created_at"])
	job.UpdatedAt = msTime(fields["updated_at"])
	if t := msTime(fields["started_at"]); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := msTime(fields["completed_at"]); !t.IsZero() {
		job.CompletedAt = &t
	}
	return job
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *RedisStore) ListFiles(ctx context.Context, jobID string) ([]model.AttachedFile, error) {
	if exists, err := s.rdb.Exists(ctx, jobKey(jobID)).Result(); err != nil {
		return nil, err
	} else if exists == 0 {
		return nil, ErrUnknownJob
	}
	raw, err := s.rdb.LRange(ctx, jobKey(jobID)+":files", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	files := make([]model.AttachedFile, 0, len(raw))
	for _, item := range raw {
		var f model.AttachedFile
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("unmarshal file: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, jobID string, evt model.JobEvent) (int64, error) {
	evtJSON, err := marshalEvent(jobID, evt)
	if err != nil {
		return 0, err
	}
	seq, err := appendScript.Run(ctx, s.rdb, []string{jobKey(jobID)}, evtJSON).Int64()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if seq < 0 {
		return 0, ErrUnknownJob
	}
	return seq, nil
}

func marshalEvent(jobID string, evt model.JobEvent) ([]byte, error) {
	evt.JobID = jobID
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func (s *RedisStore) EventsSince(ctx context.Context, jobID string, from int64) ([]model.JobEvent, error) {
	if from < 0 {
		from = 0
	}
	raw, err := s.rdb.LRange(ctx, jobKey(jobID)+":events", from, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	events := make([]model.JobEvent, 0, len(raw))
	for _, item := range raw {
		var evt model.JobEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, jobID string, from int64) (<-chan model.JobEvent, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	pubsub := s.rdb.Subscribe(ctx, jobKey(jobID)+":notify")
	notify := make(chan struct{}, 1)
	go func() {
		for range pubsub.Channel() {
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()

	out := make(chan model.JobEvent, 32)
	go func() {
		defer pubsub.Close()
		tailEvents(ctx, out, notify,
			func(ctx context.Context, cursor int64) ([]model.JobEvent, error) {
				return s.EventsSince(ctx, jobID, cursor)
			},
			func(ctx context.Context) (bool, error) {
				job, err := s.GetJob(ctx, jobID)
				if err != nil {
					return false, err
				}
				return job.Status.Terminal(), nil
			},
			from)
	}()
	return out, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, terminalKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	for _, id := range ids {
		key := jobKey(id)
		if err := s.rdb.Del(ctx, key, key+":files", key+":fileids", key+":events").Err(); err != nil {
			return 0, fmt.Errorf("sweep delete %s: %w", id, err)
		}
		if err := s.rdb.ZRem(ctx, terminalKey, id).Err(); err != nil {
			return 0, fmt.Errorf("sweep zrem %s: %w", id, err)
		}
	}
	return len(ids), nil
}
