package redis

import (
	"github.com/redis/go-redis/v9"
)

// Message hashes live under <prefix>:msg:<seq> and carry the fields
// id, kind, body, meta, pkey, enq, vis, count, token and reason.
//
// Set membership:
//   active  every message not dead-lettered, scored by sequence number
//   ready   unlocked active messages, scored by visibility time in ms
//   locked  locked messages, scored by lock expiry in ms
//   dlq     dead-lettered messages, scored by sequence number

//nolint:gochecknoglobals // compiled once, loaded lazily with EVALSHA
var (
	sendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local key = ARGV[1] .. ':msg:' .. seq
redis.call('HSET', key,
  'id', ARGV[2], 'kind', ARGV[3], 'body', ARGV[4], 'meta', ARGV[5],
  'pkey', ARGV[6], 'enq', ARGV[7], 'vis', ARGV[8], 'count', 0)
redis.call('ZADD', KEYS[2], seq, seq)
redis.call('ZADD', KEYS[3], ARGV[8], seq)
return seq
`)

	// KEYS: ready locked dlq active
	// ARGV: prefix now lockMs maxMessages maxDelivery salt reason
	receiveScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, seq in ipairs(expired) do
  local key = prefix .. ':msg:' .. seq
  redis.call('ZREM', KEYS[2], seq)
  redis.call('HDEL', key, 'token')
  local count = tonumber(redis.call('HGET', key, 'count') or '0')
  if count >= tonumber(ARGV[5]) then
    redis.call('ZREM', KEYS[4], seq)
    redis.call('HSET', key, 'reason', ARGV[7])
    redis.call('ZADD', KEYS[3], seq, seq)
  else
    redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'vis') or now, seq)
  end
end

local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[4]))
local out = {}
for i, seq in ipairs(ready) do
  local key = prefix .. ':msg:' .. seq
  redis.call('ZREM', KEYS[1], seq)
  local count = redis.call('HINCRBY', key, 'count', 1)
  local token = seq .. ':' .. ARGV[6] .. ':' .. i
  redis.call('HSET', key, 'token', token)
  redis.call('ZADD', KEYS[2], now + tonumber(ARGV[3]), seq)
  local f = redis.call('HMGET', key, 'id', 'kind', 'body', 'meta', 'pkey', 'enq')
  out[#out + 1] = {
    tostring(seq), token, tostring(count),
    f[1] or '', f[2] or '', f[3] or '', f[4] or '', f[5] or '', f[6] or '0',
  }
end
return out
`)

	// KEYS: locked active
	// ARGV: prefix token now
	completeScript = redis.NewScript(`
local seq = string.match(ARGV[2], '^(%d+):')
if not seq then return 0 end
local key = ARGV[1] .. ':msg:' .. seq
if redis.call('HGET', key, 'token') ~= ARGV[2] then return 0 end
local lockedUntil = redis.call('ZSCORE', KEYS[1], seq)
if not lockedUntil or tonumber(lockedUntil) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], seq)
redis.call('ZREM', KEYS[2], seq)
redis.call('DEL', key)
return 1
`)

	// KEYS: locked ready dlq active
	// ARGV: prefix token now maxDelivery reason
	abandonScript = redis.NewScript(`
local seq = string.match(ARGV[2], '^(%d+):')
if not seq then return 0 end
local key = ARGV[1] .. ':msg:' .. seq
if redis.call('HGET', key, 'token') ~= ARGV[2] then return 0 end
local lockedUntil = redis.call('ZSCORE', KEYS[1], seq)
if not lockedUntil or tonumber(lockedUntil) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], seq)
redis.call('HDEL', key, 'token')
local count = tonumber(redis.call('HGET', key, 'count') or '0')
if count >= tonumber(ARGV[4]) then
  redis.call('ZREM', KEYS[4], seq)
  redis.call('HSET', key, 'reason', ARGV[5])
  redis.call('ZADD', KEYS[3], seq, seq)
else
  redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'vis'), seq)
end
return 1
`)
)
