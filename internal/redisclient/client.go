package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/sliding_window.lua
var slidingWindowScript string

const (
	cartTTL      = 7 * 24 * time.Hour
	rateKeyspace = "ratelimit:"
)

type Client struct {
	rdb          *redis.Client
	windowScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		windowScript: redis.NewScript(slidingWindowScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// WindowResult is the outcome of one sliding window check
type WindowResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func windowKey(action, client string) string {
	return fmt.Sprintf("%s%s:%s", rateKeyspace, action, client)
}

// SlidingWindowAllow atomically prunes, counts and (when admitted) records a request
// in the window for (action, client). Denied requests are not recorded.
func (c *Client) SlidingWindowAllow(ctx context.Context, action, client string, limit int, window time.Duration, now time.Time, member string) (WindowResult, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	cutoff := "(" + strconv.FormatInt(nowMs-windowMs, 10)

	result, err := c.windowScript.Run(ctx, c.rdb, []string{windowKey(action, client)},
		nowMs, windowMs, limit, member, cutoff).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return WindowResult{}, fmt.Errorf("unexpected script result type")
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	return WindowResult{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// WindowCount counts requests recorded for (action, client) inside the window
func (c *Client) WindowCount(ctx context.Context, action, client string, window time.Duration, now time.Time) (int, error) {
	from := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := c.rdb.ZCount(ctx, windowKey(action, client), from, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// WindowReset deletes the window for (action, client)
func (c *Client) WindowReset(ctx context.Context, action, client string) error {
	return c.rdb.Del(ctx, windowKey(action, client)).Err()
}

// PurgeWindowsBefore removes every window whose newest request is older than cutoff
func (c *Client) PurgeWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var purged int
	iter := c.rdb.Scan(ctx, 0, rateKeyspace+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		newest, err := c.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return purged, err
		}
		if len(newest) == 0 || int64(newest[0].Score) < cutoff.UnixMilli() {
			if err := c.rdb.Del(ctx, key).Err(); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, iter.Err()
}

func cartKey(cartID string) string {
	return fmt.Sprintf("cart:%s", cartID)
}

// CartAdd increments the quantity of a product in a cart
func (c *Client) CartAdd(ctx context.Context, cartID string, productID int64, quantity int) error {
	key := cartKey(cartID)

	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, strconv.FormatInt(productID, 10), int64(quantity))
	pipe.Expire(ctx, key, cartTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// CartRemove drops a product from a cart
func (c *Client) CartRemove(ctx context.Context, cartID string, productID int64) error {
	return c.rdb.HDel(ctx, cartKey(cartID), strconv.FormatInt(productID, 10)).Err()
}

// CartItems returns productID -> quantity for a cart
func (c *Client) CartItems(ctx context.Context, cartID string) (map[int64]int, error) {
	result, err := c.rdb.HGetAll(ctx, cartKey(cartID)).Result()
	if err != nil {
		return nil, err
	}

	items := make(map[int64]int, len(result))
	for field, value := range result {
		productID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		quantity, err := strconv.Atoi(value)
		if err != nil || quantity <= 0 {
			continue
		}
		items[productID] = quantity
	}
	return items, nil
}

// CartClear deletes a cart
func (c *Client) CartClear(ctx context.Context, cartID string) error {
	return c.rdb.Del(ctx, cartKey(cartID)).Err()
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// RegisterSession records a server-issued session ID. It reports false when the
// ID is already registered.
func (c *Client) RegisterSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, sessionKey(sessionID), time.Now().Unix(), ttl).Result()
}

// SessionRegistered reports whether sessionID was issued by RegisterSession and has not expired
func (c *Client) SessionRegistered(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, sessionKey(sessionID)).Result()
	return n == 1, err
}

// EndSession forgets a session together with its CSRF token
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, sessionKey(sessionID), fmt.Sprintf("csrf:%s", sessionID)).Err()
}

// SessionToken returns the CSRF token bound to a session, or "" if none
func (c *Client) SessionToken(ctx context.Context, sessionID string) (string, error) {
	token, err := c.rdb.Get(ctx, fmt.Sprintf("csrf:%s", sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

// SetSessionToken binds a CSRF token to a session
func (c *Client) SetSessionToken(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("csrf:%s", sessionID), token, ttl).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
