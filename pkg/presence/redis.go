package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const onlineKey = "presence:online"

func userNodesKey(userID int64) string {
	return "presence:user:" + strconv.FormatInt(userID, 10) + ":nodes"
}

// RedisMirror publishes this gateway's online transitions to Redis so other
// services can list online users across all gateways. It is informational;
// delivery decisions never read it.
type RedisMirror struct {
	rdb  *redis.Client
	node string
}

func NewRedisMirror(rdb *redis.Client, nodeID int64) *RedisMirror {
	return &RedisMirror{rdb: rdb, node: strconv.FormatInt(nodeID, 10)}
}

// Both scripts take KEYS = {user node set, global online set} and
// ARGV = {node, user id}. They run atomically so two gateways racing on the
// same user see one transition between them.
var (
	onlineScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
return redis.call('SADD', KEYS[2], ARGV[2])
`)
	offlineScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) > 0 then
	return 0
end
return redis.call('SREM', KEYS[2], ARGV[2])
`)
)

// Online records that the user is connected to this node and reports
// whether no node held the user before.
func (m *RedisMirror) Online(ctx context.Context, userID int64) (bool, error) {
	n, err := onlineScript.Run(ctx, m.rdb, []string{userNodesKey(userID), onlineKey}, m.node, userID).Int()
	if err != nil {
		return false, fmt.Errorf("mirror online %d: %w", userID, err)
	}
	return n == 1, nil
}

// Offline records that the user left this node and reports whether no
// node holds the user any more.
func (m *RedisMirror) Offline(ctx context.Context, userID int64) (bool, error) {
	n, err := offlineScript.Run(ctx, m.rdb, []string{userNodesKey(userID), onlineKey}, m.node, userID).Int()
	if err != nil {
		return false, fmt.Errorf("mirror offline %d: %w", userID, err)
	}
	return n == 1, nil
}

// OnlineUsers lists users online on any node.
func OnlineUsers(ctx context.Context, rdb *redis.Client) ([]int64, error) {
	members, err := rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, s := range members {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NewRedisClient parses a redis:// URL, falling back to a bare host:port.
func NewRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return redis.NewClient(opts)
}
