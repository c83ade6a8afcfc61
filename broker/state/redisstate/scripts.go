package redisstate

import "github.com/redis/go-redis/v9"

// Lua scripts implement the compare-and-set paths the broker's atomicity
// guarantees rest on. Each script runs atomically server-side, so concurrent
// callers from any broker process serialize through Redis.

// acquireLockScript: KEYS[1]=locks hash, ARGV[1]=file path, ARGV[2]=session,
// ARGV[3]=lock JSON. Returns {1, ARGV[3]} when acquired (absent or re-entrant
// refresh) and {0, holder JSON} on conflict.
var acquireLockScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then
  redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
  return {1, ARGV[3]}
end
local owner = cjson.decode(cur)["session_name"]
if owner == ARGV[2] then
  redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
  return {1, ARGV[3]}
end
return {0, cur}
`)

// releaseLockScript: KEYS[1]=locks hash, ARGV[1]=file path, ARGV[2]=session.
// Returns "released", "not_held", or "not_owner". A non-owner release never
// mutates state.
var releaseLockScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then
  return "not_held"
end
if cjson.decode(cur)["session_name"] ~= ARGV[2] then
  return "not_owner"
end
redis.call("HDEL", KEYS[1], ARGV[1])
return "released"
`)

// releaseOwnedScript: KEYS[1]=locks hash, ARGV[1]=session. Deletes every lock
// held by the session and returns the released paths.
var releaseOwnedScript = redis.NewScript(`
local released = {}
local all = redis.call("HGETALL", KEYS[1])
for i = 1, #all, 2 do
  local ok, info = pcall(cjson.decode, all[i+1])
  if ok and info["session_name"] == ARGV[1] then
    redis.call("HDEL", KEYS[1], all[i])
    table.insert(released, all[i])
  end
end
return released
`)

// pushMessageScript: KEYS[1]=queue list, KEYS[2]=overflow marker,
// ARGV[1]=envelope JSON, ARGV[2]=max queue length. Appends the envelope; when
// the queue exceeds max the oldest entries are dropped and the overflow marker
// is set. Returns 1 when entries were dropped.
var pushMessageScript = redis.NewScript(`
redis.call("RPUSH", KEYS[1], ARGV[1])
local max = tonumber(ARGV[2])
local n = redis.call("LLEN", KEYS[1])
if n <= max then
  return 0
end
while n > max do
  redis.call("LPOP", KEYS[1])
  n = n - 1
end
redis.call("SET", KEYS[2], "1")
return 1
`)

// drainMessagesScript: KEYS[1]=queue list, KEYS[2]=overflow marker. Returns
// {dropped flag, envelopes} and deletes both keys, so two concurrent drains
// return disjoint sets.
var drainMessagesScript = redis.NewScript(`
local msgs = redis.call("LRANGE", KEYS[1], 0, -1)
local dropped = redis.call("EXISTS", KEYS[2])
redis.call("DEL", KEYS[1], KEYS[2])
return {dropped, msgs}
`)
