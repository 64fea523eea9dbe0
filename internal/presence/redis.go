package presence

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const (
	userSetPrefix = "presence:user:"
	connKeyPrefix = "presence:conn:"
	onlineSetKey  = "presence:online"
)

// addScript registers a connection and reports 1 when it flipped the user
// online. Running as a script keeps the transition decision atomic on the
// server, mirroring the mutex in MemoryIndex.
var addScript = redis.NewScript(`
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 1 then
	redis.call('SADD', KEYS[3], ARGV[2])
	return 1
end
return 0
`)

var removeScript = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
	return {'', 0}
end
redis.call('DEL', KEYS[1])
local ukey = ARGV[2] .. uid
redis.call('SREM', ukey, ARGV[1])
if redis.call('SCARD', ukey) == 0 then
	redis.call('DEL', ukey)
	redis.call('SREM', KEYS[2], uid)
	return {uid, 1}
end
return {uid, 0}
`)

// RedisIndex backs the registry with Redis sets so multiple server
// instances share one view of who is connected.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(url string) (*RedisIndex, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	return &RedisIndex{client: redis.NewClient(opt)}, nil
}

func (r *RedisIndex) Add(ctx context.Context, connID, userID string) (bool, error) {
	keys := []string{userSetPrefix + userID, connKeyPrefix + connID, onlineSetKey}
	n, err := addScript.Run(ctx, r.client, keys, connID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: redis add: %w", err)
	}
	return n == 1, nil
}

func (r *RedisIndex) Remove(ctx context.Context, connID string) (string, bool, error) {
	keys := []string{connKeyPrefix + connID, onlineSetKey}
	res, err := removeScript.Run(ctx, r.client, keys, connID, userSetPrefix).Slice()
	if err != nil {
		return "", false, fmt.Errorf("presence: redis remove: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("presence: redis remove: unexpected reply %v", res)
	}
	userID, _ := res[0].(string)
	last, _ := res[1].(int64)
	return userID, last == 1, nil
}

func (r *RedisIndex) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.SCard(ctx, userSetPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: redis scard: %w", err)
	}
	return n > 0, nil
}

func (r *RedisIndex) ConnectionCount(ctx context.Context, userID string) (int, error) {
	n, err := r.client.SCard(ctx, userSetPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: redis scard: %w", err)
	}
	return int(n), nil
}

func (r *RedisIndex) Connections(ctx context.Context, userID string) ([]string, error) {
	conns, err := r.client.SMembers(ctx, userSetPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: redis smembers: %w", err)
	}
	return conns, nil
}

func (r *RedisIndex) TotalOnline(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: redis scard: %w", err)
	}
	return int(n), nil
}

func (r *RedisIndex) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: redis smembers: %w", err)
	}
	return users, nil
}
