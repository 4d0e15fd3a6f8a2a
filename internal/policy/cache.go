package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "authz:version"

// Decisions caches evaluated permission sets in Redis for a short TTL and
// collapses concurrent evaluations of the same (tenant, user) pair. Because
// overrides are time-bounded, a cached set is only as fresh as its TTL;
// callers choose a TTL matching their staleness tolerance. The engine itself
// never caches. Mutating roles or overrides must Bump the cache version.
type Decisions struct {
	engine *Engine
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewDecisions wraps the engine with a decision cache. A nil client disables
// caching and delegates straight to the engine.
func NewDecisions(engine *Engine, client *redis.Client, ttl time.Duration) *Decisions {
	return &Decisions{engine: engine, client: client, ttl: ttl}
}

// Evaluate returns the effective permission set, serving from cache when a
// fresh entry exists. Superusers bypass the cache entirely since their
// evaluation performs no lookups.
func (d *Decisions) Evaluate(ctx context.Context, user User, tenantID int64) (Set, error) {
	if d == nil || d.client == nil || user.IsSuperuser {
		return d.engine.Evaluate(ctx, user, tenantID)
	}
	if tenantID == 0 {
		tenantID = user.CompanyID
	}

	key, err := d.buildKey(ctx, tenantID, user.ID)
	if err != nil {
		return nil, err
	}

	result, err, _ := d.group.Do(key, func() (any, error) {
		payload, err := d.client.Get(ctx, key).Bytes()
		if err == nil {
			var perms []Permission
			if err := json.Unmarshal(payload, &perms); err == nil {
				return NewSet(perms...), nil
			}
			// Unreadable entry; fall through and recompute.
		} else if err != redis.Nil {
			return nil, err
		}

		set, err := d.engine.Evaluate(ctx, user, tenantID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(set.List())
		if err != nil {
			return nil, err
		}
		if err := d.client.Set(ctx, key, raw, d.ttl).Err(); err != nil {
			return nil, err
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Set), nil
}

// HasPermission mirrors Engine.HasPermission through the cache.
func (d *Decisions) HasPermission(ctx context.Context, user User, resource, action string, tenantID int64) (bool, error) {
	set, err := d.Evaluate(ctx, user, tenantID)
	if err != nil {
		return false, err
	}
	return set.Allows(Permission{Resource: resource, Action: action}), nil
}

// CheckMultiple mirrors Engine.CheckMultiple through the cache; all required
// pairs are tested against one snapshot.
func (d *Decisions) CheckMultiple(ctx context.Context, user User, required []Permission, tenantID int64, requireAll bool) (bool, error) {
	set, err := d.Evaluate(ctx, user, tenantID)
	if err != nil {
		return false, err
	}
	return CheckSet(set, required, requireAll), nil
}

// Bump invalidates every cached decision by advancing the version embedded
// in cache keys. Called after any role, assignment, or override mutation.
func (d *Decisions) Bump(ctx context.Context) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Incr(ctx, cacheVersionKey).Err()
}

func (d *Decisions) buildKey(ctx context.Context, tenantID, userID int64) (string, error) {
	ver, err := d.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("authz:decision:%d:%d:%d", tenantID, userID, ver), nil
}

func (d *Decisions) version(ctx context.Context) (int64, error) {
	ver, err := d.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := d.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}
