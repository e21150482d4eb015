package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

const DefaultPrefix = "booru:"

const (
	rotateStatusRotated           int64 = 0
	rotateStatusNotFound          int64 = 1
	rotateStatusConsumed          int64 = 2
	rotateStatusConsumedAndRevoke int64 = 3
	rotateStatusSessionRevoked    int64 = 4
	rotateStatusExpired           int64 = 5
	rotateStatusIPMismatch        int64 = 6
)

// KEYS: seq, new refresh key, user sessions zset
// ARGV: prefix, user, now ms, token, expires ms, ip
const createSessionScript = `
local sid = redis.call("INCR", KEYS[1])
local skey = ARGV[1] .. "session:" .. sid
redis.call("HSET", skey, "user", ARGV[2], "created", ARGV[3], "revoked", "0", "current", ARGV[4])
redis.call("HSET", KEYS[2], "session", sid, "created", ARGV[3], "expires", ARGV[5], "consumed", "0", "ip", ARGV[6])
redis.call("ZADD", KEYS[3], sid, sid)
return sid
`

// KEYS: presented refresh key, new refresh key
// ARGV: prefix, now ms, new token, expires ms, ip, revoke on reuse, enforce ip
const rotateScript = `
local tok = redis.call("HMGET", KEYS[1], "session", "consumed", "expires", "ip")
if not tok[1] then
  return {1}
end
local sid = tok[1]
local skey = ARGV[1] .. "session:" .. sid
local sess = redis.call("HMGET", skey, "user", "revoked")
if not sess[1] then
  return {1}
end

if tok[2] == "1" then
  if sess[2] == "1" then
    return {3}
  end
  if ARGV[6] == "1" then
    redis.call("HSET", skey, "revoked", "1", "revoked_at", ARGV[2])
    redis.call("ZREM", ARGV[1] .. "user:" .. sess[1] .. ":sessions", sid)
    return {3}
  end
  return {2}
end

if sess[2] == "1" then
  return {4}
end

local exp = tonumber(tok[3])
if exp and exp > 0 and tonumber(ARGV[2]) >= exp then
  return {5}
end

if ARGV[7] == "1" and tok[4] and tok[4] ~= "" and tok[4] ~= ARGV[5] then
  return {6}
end

redis.call("HSET", KEYS[1], "consumed", "1", "consumed_at", ARGV[2])
redis.call("HSET", KEYS[2], "session", sid, "created", ARGV[2], "expires", ARGV[4], "consumed", "0", "ip", ARGV[5])
redis.call("HSET", skey, "current", ARGV[3])
return {0, sid, sess[1]}
`

// KEYS: session key
// ARGV: prefix, now ms, session id
const invalidateSessionScript = `
local sess = redis.call("HMGET", KEYS[1], "user", "revoked")
if not sess[1] or sess[2] == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[2])
redis.call("ZREM", ARGV[1] .. "user:" .. sess[1] .. ":sessions", ARGV[3])
return 1
`

// KEYS: user sessions zset
// ARGV: prefix, now ms
const invalidateUserScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, sid in ipairs(ids) do
  local skey = ARGV[1] .. "session:" .. sid
  if redis.call("HGET", skey, "revoked") == "0" then
    redis.call("HSET", skey, "revoked", "1", "revoked_at", ARGV[2])
  end
end
redis.call("DEL", KEYS[1])
return #ids
`

var (
	createSessionLua     = redis.NewScript(createSessionScript)
	rotateLua            = redis.NewScript(rotateScript)
	invalidateSessionLua = redis.NewScript(invalidateSessionScript)
	invalidateUserLua    = redis.NewScript(invalidateUserScript)
)

// SessionStore keeps sessions and refresh tokens in Redis hashes. Every
// mutation is a single Lua script, so rotation is an atomic check-and-set.
// Scripts derive session keys from stored ids, which limits the store to a
// single Redis node.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
	policy auth.RotationPolicy
	now    func() time.Time
}

type Option func(*SessionStore)

func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *SessionStore) { s.prefix = prefix }
}

func NewSessionStore(client redis.UniversalClient, policy auth.RotationPolicy, opts ...Option) *SessionStore {
	s := &SessionStore{
		client: client,
		prefix: DefaultPrefix,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) CreateSession(ctx context.Context, userID int64, clientIP string) (*auth.RefreshGrant, error) {
	now := s.now()
	token := auth.NewRefreshToken()
	expires := s.policy.ExpiresAt(now)

	res, err := createSessionLua.Run(ctx, s.client,
		[]string{s.seqKey(), s.refreshKey(token), s.userKey(userID)},
		s.prefix, userID, now.UnixMilli(), token, unixMilli(expires), auth.NormalizeIP(clientIP),
	).Int64()
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}

	return &auth.RefreshGrant{
		SessionID: res,
		UserID:    userID,
		Token:     token,
		ExpiresAt: expires,
	}, nil
}

func (s *SessionStore) Rotate(ctx context.Context, presented, clientIP string) (*auth.RefreshGrant, error) {
	key, ok := auth.ParseRefreshToken(presented)
	if !ok {
		return nil, xerrors.ErrRefreshNotFound
	}

	now := s.now()
	next := auth.NewRefreshToken()
	expires := s.policy.ExpiresAt(now)

	result, err := rotateLua.Run(ctx, s.client,
		[]string{s.refreshKey(key), s.refreshKey(next)},
		s.prefix, now.UnixMilli(), next, unixMilli(expires), auth.NormalizeIP(clientIP),
		flag(s.policy.RevokeOnReuse), flag(s.policy.EnforceIPBinding),
	).Result()
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, xerrors.Unavailable(errors.New("invalid rotate script response"))
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, xerrors.Unavailable(errors.New("invalid rotate script status"))
	}

	switch code {
	case rotateStatusNotFound:
		return nil, xerrors.ErrRefreshNotFound
	case rotateStatusConsumed:
		return nil, xerrors.ErrRefreshConsumed
	case rotateStatusConsumedAndRevoke:
		return nil, xerrors.ErrRefreshConsumedAndRevoked
	case rotateStatusSessionRevoked:
		return nil, xerrors.ErrSessionRevoked
	case rotateStatusExpired:
		return nil, xerrors.ErrRefreshExpired
	case rotateStatusIPMismatch:
		return nil, xerrors.ErrClientIPMismatch
	case rotateStatusRotated:
	default:
		return nil, xerrors.Unavailable(fmt.Errorf("unknown rotate status %d", code))
	}

	if len(parts) < 3 {
		return nil, xerrors.Unavailable(errors.New("missing rotated session payload"))
	}
	sessionID, err := toInt64(parts[1])
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}
	userID, err := toInt64(parts[2])
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}

	return &auth.RefreshGrant{
		SessionID: sessionID,
		UserID:    userID,
		Token:     next,
		ExpiresAt: expires,
	}, nil
}

func (s *SessionStore) InvalidateSession(ctx context.Context, sessionID int64) error {
	err := invalidateSessionLua.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID)},
		s.prefix, s.now().UnixMilli(), sessionID,
	).Err()
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}

func (s *SessionStore) InvalidateUserSessions(ctx context.Context, userID int64) error {
	err := invalidateUserLua.Run(ctx, s.client,
		[]string{s.userKey(userID)},
		s.prefix, s.now().UnixMilli(),
	).Err()
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}

func (s *SessionStore) ListSessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}
	if len(ids) == 0 {
		return []auth.Session{}, nil
	}

	pipe := s.client.Pipeline()
	sessCmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		sessCmds[i] = pipe.HMGet(ctx, s.prefix+"session:"+id, "user", "created", "revoked", "current")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, xerrors.Unavailable(err)
	}

	out := make([]auth.Session, 0, len(ids))
	currents := make([]string, 0, len(ids))
	for i, cmd := range sessCmds {
		vals := cmd.Val()
		if len(vals) != 4 || vals[0] == nil || vals[2] == "1" {
			continue
		}
		id, err := strconv.ParseInt(ids[i], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, auth.Session{
			ID:        id,
			UserID:    userID,
			CreatedAt: fromMilli(vals[1]),
		})
		cur, _ := vals[3].(string)
		currents = append(currents, cur)
	}

	pipe = s.client.Pipeline()
	tokCmds := make([]*redis.SliceCmd, len(currents))
	for i, cur := range currents {
		tokCmds[i] = pipe.HMGet(ctx, s.refreshKey(cur), "ip", "created")
	}
	if len(currents) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, xerrors.Unavailable(err)
		}
	}
	for i, cmd := range tokCmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[1] == nil {
			continue
		}
		out[i].LastIP, _ = vals[0].(string)
		at := fromMilli(vals[1])
		out[i].LastRefreshAt = &at
	}

	return out, nil
}

func (s *SessionStore) seqKey() string {
	return s.prefix + "session:seq"
}

func (s *SessionStore) sessionKey(id int64) string {
	return s.prefix + "session:" + strconv.FormatInt(id, 10)
}

func (s *SessionStore) refreshKey(token string) string {
	return s.prefix + "refresh:" + token
}

func (s *SessionStore) userKey(userID int64) string {
	return s.prefix + "user:" + strconv.FormatInt(userID, 10) + ":sessions"
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(v interface{}) time.Time {
	s, _ := v.(string)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}
