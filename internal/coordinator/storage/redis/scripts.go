package redis

import goredis "github.com/redis/go-redis/v9"

// incrScript adds ARGV[1] to KEYS[1], clamps at zero and refreshes the TTL
// (ARGV[2], milliseconds) when positive.
var incrScript = goredis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  v = 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// compareAndDeleteScript deletes KEYS[1] only when it holds ARGV[1]
var compareAndDeleteScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// slidingWindowScript implements the moving-window admission check on a
// sorted set scored by millisecond timestamps read from the server clock.
//
//	KEYS[1] window key
//	ARGV[1] limit
//	ARGV[2] window (ms)
//	ARGV[3] member recorded on admission
//
// Returns {allowed, count, now_ms, reset_ms}.
var slidingWindowScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[3])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local reset = now + window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, now, reset}
`)
