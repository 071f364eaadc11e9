package syncguard

import "github.com/redis/go-redis/v9"

// The scripts below implement the acquire/release/extend atomic
// protocols. Every
// mutation — acquire, release, extend — runs as a single EVALSHA round
// trip; there is no read-then-write gap a concurrent client could land
// in, which is the only correctness boundary this package relies on.
// Wall-clock time used for liveness is always read from the server via
// TIME, never trusted from the caller, matching Capabilities.TimeAuthority
// == TimeAuthorityServer for this backend.
//
// Body layout stored at the lock key is a small JSON object:
//
//	{"lock_id": "...", "fence": 42, "acquired_at_ms": 169..., "expires_at_ms": 169..., "key": "..."}
//
// redis.NewScript caches the SHA so repeat calls send EVALSHA and only
// fall back to EVAL (and thus re-cache) after a server restart or
// SCRIPT FLUSH, which is why the adapter constructs these once and
// reuses them instead of calling client.Eval per invocation.

const fenceOverflowMsg = "fence counter exceeded maximum"

var redisAcquireScript = redis.NewScript(`
local lock_key = KEYS[1]
local id_key = KEYS[2]
local fence_key = KEYS[3]
local new_lock_id = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local tolerance_ms = tonumber(ARGV[3])
local storage_key = ARGV[4]
local user_key = ARGV[5]
local max_fence = tonumber(ARGV[6])

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local existing = redis.call('GET', lock_key)
if existing then
	local body = cjson.decode(existing)
	if (tonumber(body.expires_at_ms) + tolerance_ms) > now_ms then
		return {0}
	end
end

local fence = redis.call('INCR', fence_key)
if fence > max_fence then
	return redis.error_reply('` + fenceOverflowMsg + `')
end

local expires_at_ms = now_ms + ttl_ms
local body = cjson.encode({
	lock_id = new_lock_id,
	fence = fence,
	acquired_at_ms = now_ms,
	expires_at_ms = expires_at_ms,
	key = user_key,
})

redis.call('SET', lock_key, body, 'PX', ttl_ms)
redis.call('SET', id_key, storage_key, 'PX', ttl_ms)

return {1, tostring(fence), tostring(expires_at_ms)}
`)

var redisReleaseScript = redis.NewScript(`
local id_key = KEYS[1]
local lock_id = ARGV[1]
local tolerance_ms = tonumber(ARGV[2])

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local storage_key = redis.call('GET', id_key)
if not storage_key then
	return {0}
end

local raw = redis.call('GET', storage_key)
if not raw then
	return {0}
end

local body = cjson.decode(raw)
if body.lock_id ~= lock_id then
	return {0}
end
if (tonumber(body.expires_at_ms) + tolerance_ms) <= now_ms then
	return {0}
end

redis.call('DEL', storage_key)
redis.call('DEL', id_key)

return {1}
`)

var redisExtendScript = redis.NewScript(`
local id_key = KEYS[1]
local lock_id = ARGV[1]
local tolerance_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local storage_key = redis.call('GET', id_key)
if not storage_key then
	return {0}
end

local raw = redis.call('GET', storage_key)
if not raw then
	return {0}
end

local body = cjson.decode(raw)
if body.lock_id ~= lock_id then
	return {0}
end
if (tonumber(body.expires_at_ms) + tolerance_ms) <= now_ms then
	return {0}
end

local expires_at_ms = now_ms + ttl_ms
body.expires_at_ms = expires_at_ms
local new_raw = cjson.encode(body)

redis.call('SET', storage_key, new_raw, 'PX', ttl_ms)
redis.call('SET', id_key, storage_key, 'PX', ttl_ms)

return {1, tostring(expires_at_ms)}
`)

var redisIsLockedScript = redis.NewScript(`
local lock_key = KEYS[1]
local tolerance_ms = tonumber(ARGV[1])
local cleanup = tonumber(ARGV[2])
local id_key_prefix = ARGV[3]

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local raw = redis.call('GET', lock_key)
if not raw then
	return 0
end

local body = cjson.decode(raw)
local live = (tonumber(body.expires_at_ms) + tolerance_ms) > now_ms
if live then
	return 1
end

if cleanup == 1 then
	redis.call('DEL', lock_key)
	redis.call('DEL', id_key_prefix .. body.lock_id)
end

return 0
`)

var redisLookupByKeyScript = redis.NewScript(`
local lock_key = KEYS[1]
local tolerance_ms = tonumber(ARGV[1])

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local raw = redis.call('GET', lock_key)
if not raw then
	return false
end

local body = cjson.decode(raw)
if (tonumber(body.expires_at_ms) + tolerance_ms) <= now_ms then
	return false
end

return cjson.encode(body)
`)

var redisLookupByIDScript = redis.NewScript(`
local id_key = KEYS[1]
local tolerance_ms = tonumber(ARGV[1])

local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local storage_key = redis.call('GET', id_key)
if not storage_key then
	return false
end

local raw = redis.call('GET', storage_key)
if not raw then
	return false
end

local body = cjson.decode(raw)
if (tonumber(body.expires_at_ms) + tolerance_ms) <= now_ms then
	return false
end

return cjson.encode(body)
`)
