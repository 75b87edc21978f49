package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"integritywatch/pkg/models"
)

// RedisConfig configures Redis access for record persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps records in Redis hashes with sorted-set indexes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed store and checks connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "integritywatch"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

func (s *RedisStore) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.sessionKey(sess.ID), "data", string(data)).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}

	pipe := s.client.Pipeline()
	score := float64(sess.StartedAt.UnixNano())
	pipe.ZAdd(ctx, s.allSessionsKey(), redis.Z{Score: score, Member: sess.ID})
	pipe.ZAdd(ctx, s.userKey(sess.UserID), redis.Z{Score: score, Member: sess.ID})
	pipe.ZAdd(ctx, s.cohortKey(sess.CohortID), redis.Z{Score: score, Member: sess.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(sess.ID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return sessionNotFound(sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.HSet(ctx, s.sessionKey(sess.ID), "data", string(data)).Err(); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.HGet(ctx, s.sessionKey(id), "data").Result()
	if err == redis.Nil {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	index := s.allSessionsKey()
	switch {
	case filter.UserID != "":
		index = s.userKey(filter.UserID)
	case filter.CohortID != "":
		index = s.cohortKey(filter.CohortID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGet(ctx, s.sessionKey(id), "data"))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make([]*models.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if filter.Match(&sess) {
			out = append(out, &sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	added, err := s.client.HSetNX(ctx, s.eventsKey(ev.SessionID), ev.ID, string(data)).Result()
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	if !added {
		return nil
	}
	if err := s.client.ZAdd(ctx, s.eventOrderKey(ev.SessionID), redis.Z{Score: float64(ev.Seq), Member: ev.ID}).Err(); err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkFlagged(ctx context.Context, sessionID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(eventIDs))
	for _, id := range eventIDs {
		members = append(members, id)
	}
	if err := s.client.SAdd(ctx, s.flaggedKey(sessionID), members...).Err(); err != nil {
		return fmt.Errorf("mark events flagged: %w", err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error) {
	ids, err := s.client.ZRange(ctx, s.eventOrderKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list event ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	bodies := pipe.HMGet(ctx, s.eventsKey(sessionID), ids...)
	flagged := pipe.SMembers(ctx, s.flaggedKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	marked := make(map[string]bool)
	for _, id := range flagged.Val() {
		marked[id] = true
	}

	out := make([]*models.Event, 0, len(ids))
	for _, raw := range bodies.Val() {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Flagged = ev.Flagged || marked[ev.ID]
		out = append(out, &ev)
	}
	sortEvents(out)
	return filter.apply(out), nil
}

func (s *RedisStore) ListUserEvents(ctx context.Context, userID string, filter EventFilter) ([]*models.Event, error) {
	ids, err := s.client.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	perSession := filter
	perSession.Limit = 0
	var all []*models.Event
	for _, id := range ids {
		events, err := s.ListEvents(ctx, id, perSession)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return filter.newestFirst(all), nil
}

func (s *RedisStore) PutFlag(ctx context.Context, f *models.Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flag: %w", err)
	}
	score := float64(f.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.flagKey(f.ID), "data", string(data), "session_id", f.SessionID)
	pipe.ZAdd(ctx, s.sessionFlagsKey(f.SessionID), redis.Z{Score: score, Member: f.ID})
	if f.Open() {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score, Member: f.ID})
	} else {
		pipe.ZRem(ctx, s.pendingKey(), f.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store flag: %w", err)
	}
	return nil
}

func (s *RedisStore) GetFlag(ctx context.Context, id string) (*models.Flag, error) {
	data, err := s.client.HGet(ctx, s.flagKey(id), "data").Result()
	if err == redis.Nil {
		return nil, flagNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flag: %w", err)
	}
	var f models.Flag
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decode flag %s: %w", id, err)
	}
	return &f, nil
}

func (s *RedisStore) ListFlags(ctx context.Context, sessionID string) ([]*models.Flag, error) {
	return s.flagsFromIndex(ctx, s.sessionFlagsKey(sessionID))
}

func (s *RedisStore) PendingFlags(ctx context.Context) ([]*models.Flag, error) {
	return s.flagsFromIndex(ctx, s.pendingKey())
}

func (s *RedisStore) flagsFromIndex(ctx context.Context, index string) ([]*models.Flag, error) {
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list flag ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGet(ctx, s.flagKey(id), "data"))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	out := make([]*models.Flag, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		var f models.Flag
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("decode flag: %w", err)
		}
		out = append(out, &f)
	}
	sortFlags(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) allSessionsKey() string { return s.prefix + ":sessions" }
func (s *RedisStore) userKey(user string) string { return s.prefix + ":user:" + user }
func (s *RedisStore) cohortKey(cohort string) string { return s.prefix + ":cohort:" + cohort }
func (s *RedisStore) eventsKey(session string) string { return s.prefix + ":events:" + session }
func (s *RedisStore) eventOrderKey(session string) string {
	return s.prefix + ":events_by_seq:" + session
}
func (s *RedisStore) flaggedKey(session string) string { return s.prefix + ":flagged:" + session }
func (s *RedisStore) flagKey(id string) string { return s.prefix + ":flag:" + id }
func (s *RedisStore) sessionFlagsKey(session string) string {
	return s.prefix + ":session_flags:" + session
}
func (s *RedisStore) pendingKey() string { return s.prefix + ":flags_pending" }
