package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"ephem/cfg"
	"ephem/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

type Redis struct {
	client  *redis.Client
	name    string
	timeout time.Duration
}

// NewRedis dials the remote store for one credential pair and pings it.
func NewRedis(ctx context.Context, remote cfg.Remote, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(remote.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 1
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if tok := remote.Token.Value(); tok != "" {
		opt.Password = tok
	}
	if c.RedisCACert != "" {
		tlsConfig, err := buildRedisTLSConfig(opt.TLSConfig, c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, c.RedisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		name:    remote.Name,
		timeout: c.RedisTimeout,
	}, nil
}

func buildRedisTLSConfig(base *tls.Config, certPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		tlsConfig = base.Clone()
	}
	caCert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
	}
	certPool, err := x509.SystemCertPool()
	if err != nil || certPool == nil {
		certPool = x509.NewCertPool()
	}
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append Redis CA cert to pool")
	}
	tlsConfig.RootCAs = certPool
	return tlsConfig, nil
}

func (r *Redis) Name() string { return "redis:" + r.name }

func pasteExpiry(p *domain.Paste) time.Duration {
	if !p.HasTTL() {
		return 0
	}
	return time.Duration(*p.TTLSeconds) * time.Second
}

func (r *Redis) SavePaste(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyPaste+p.ID, data, pasteExpiry(p))
		if p.Listed() {
			pipe.ZAdd(ctx, keyPublicIndex, redis.Z{Score: float64(p.CreatedAt), Member: p.ID})
		}
		return nil
	})
	return errors.Wrap(err, "set paste")
}

func (r *Redis) LoadPaste(ctx context.Context, id string, _ time.Time) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, keyPaste+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

func (r *Redis) LoadPastes(ctx context.Context, ids []string, _ time.Time) ([]*domain.Paste, error) {
	out := make([]*domain.Paste, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPaste + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "mget pastes")
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Paste
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal paste")
		}
		out[i] = &p
	}
	return out, nil
}

func (r *Redis) PasteExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, keyPaste+id).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists paste")
	}
	return n > 0, nil
}

// IncrViews runs an optimistic transaction on the record. The rewrite keeps
// the key's TTL, except on the view that exhausts the paste, which caps the
// remaining lifetime at retention.
func (r *Redis) IncrViews(ctx context.Context, id string, now time.Time, retention time.Duration) (*domain.Paste, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := keyPaste + id
	var out *domain.Paste
	var counted bool
	txf := func(tx *redis.Tx) error {
		out, counted = nil, false
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var p domain.Paste
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		if !domain.IsAvailable(&p, now) {
			out = &p
			return nil
		}
		p.ViewCount++
		expiry := time.Duration(redis.KeepTTL)
		if domain.ViewsExhausted(&p) {
			pttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			expiry = exhaustedExpiry(pttl, retention)
		}
		buf, err := json.Marshal(&p)
		if err != nil {
			return errors.Wrap(err, "marshal paste")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, expiry)
			return nil
		})
		if err != nil {
			return err
		}
		out, counted = &p, true
		return nil
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "incr views")
		}
		return out, counted, nil
	}
	return nil, false, domain.ErrPasteBusy
}

func (r *Redis) PublicIDs(ctx context.Context, offset, limit int) ([]string, error) {
	if limit <= 0 || offset < 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.client.ZRevRange(ctx, keyPublicIndex, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrevrange public")
	}
	return ids, nil
}

func (r *Redis) UnindexPublic(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return errors.Wrap(r.client.ZRem(ctx, keyPublicIndex, members...).Err(), "zrem public")
}

func (r *Redis) AddUserPaste(ctx context.Context, userID, pasteID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.SAdd(ctx, keyUserPastes+userID, pasteID).Err(), "sadd user paste")
}

func (r *Redis) UserPasteIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, keyUserPastes+userID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "smembers user pastes")
	}
	return ids, nil
}

// SaveUser claims the email index first so two registrations racing on the
// same address cannot both win.
func (r *Redis) SaveUser(ctx context.Context, rec *domain.UserRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal user")
	}
	emailKey := keyUserEmail + rec.Email
	ok, err := r.client.SetNX(ctx, emailKey, rec.ID, 0).Result()
	if err != nil {
		return errors.Wrap(err, "claim email")
	}
	if !ok {
		return domain.ErrEmailTaken
	}
	if err := r.client.Set(ctx, keyUser+rec.ID, data, 0).Err(); err != nil {
		r.client.Del(context.Background(), emailKey)
		return errors.Wrap(err, "set user")
	}
	return nil
}

func (r *Redis) LoadUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.loadUser(ctx, id)
}

func (r *Redis) loadUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	data, err := r.client.Get(ctx, keyUser+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	var rec domain.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal user")
	}
	return &rec, nil
}

func (r *Redis) LoadUserByEmail(ctx context.Context, email string) (*domain.UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	id, err := r.client.Get(ctx, keyUserEmail+email).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user email")
	}
	return r.loadUser(ctx, id)
}

func (r *Redis) SaveSession(ctx context.Context, token, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, keySession+token, userID, domain.SessionLifetime).Err(), "set session")
}

func (r *Redis) LoadSession(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	uid, err := r.client.Get(ctx, keySession+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get session")
	}
	return uid, nil
}

func (r *Redis) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, keySession+token).Err(), "delete session")
}

var rateScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current > tonumber(ARGV[2]) then
		return current
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateScript.Run(ctx, r.client, []string{keyRate + key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
