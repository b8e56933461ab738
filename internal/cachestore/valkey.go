package cachestore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key so several deployments can share a server.
	Prefix string
	TLS    ValkeyTLSConfig
}

// Valkey shares stores between proxy replicas. Store names live in a sorted
// set scored by creation sequence; each store is one hash of key -> JSON entry.
type Valkey struct {
	client valkey.Client
	prefix string
}

func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Address == "" {
		return nil, errors.New("cachestore: valkey address required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "emlocator:"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cachestore: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cachestore: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cachestore: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cachestore: valkey ping: %w", err)
	}

	return &Valkey{client: client, prefix: cfg.Prefix}, nil
}

func (v *Valkey) namesKey() string            { return v.prefix + "stores" }
func (v *Valkey) seqKey() string              { return v.prefix + "seq" }
func (v *Valkey) storeKey(name string) string { return v.prefix + "store:" + name }

func (v *Valkey) Open(ctx context.Context, name string) (Store, error) {
	ok, err := v.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := v.client.Do(ctx, v.client.B().Incr().Key(v.seqKey()).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("cachestore: valkey incr: %w", err)
		}
		cmd := v.client.B().Zadd().Key(v.namesKey()).Nx().ScoreMember().ScoreMember(float64(seq), name).Build()
		if err := v.client.Do(ctx, cmd).Error(); err != nil {
			return nil, fmt.Errorf("cachestore: valkey zadd: %w", err)
		}
	}
	return &valkeyStore{v: v, name: name}, nil
}

func (v *Valkey) Has(ctx context.Context, name string) (bool, error) {
	err := v.client.Do(ctx, v.client.B().Zscore().Key(v.namesKey()).Member(name).Build()).Error()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cachestore: valkey zscore: %w", err)
	}
	return true, nil
}

func (v *Valkey) Names(ctx context.Context) ([]string, error) {
	names, err := v.client.Do(ctx, v.client.B().Zrange().Key(v.namesKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cachestore: valkey zrange: %w", err)
	}
	return names, nil
}

func (v *Valkey) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := v.client.Do(ctx, v.client.B().Zrem().Key(v.namesKey()).Member(name).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cachestore: valkey zrem: %w", err)
	}
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.storeKey(name)).Build()).Error(); err != nil {
		return false, fmt.Errorf("cachestore: valkey del: %w", err)
	}
	return removed > 0, nil
}

func (v *Valkey) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := v.Names(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		ent, ok, err := v.get(ctx, name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

func (v *Valkey) get(ctx context.Context, name, key string) (Entry, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Hget().Key(v.storeKey(name)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cachestore: valkey hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: valkey hget bytes: %w", err)
	}
	var ent Entry
	if err := json.Unmarshal(payload, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: valkey unmarshal: %w", err)
	}
	if err := ent.verify(); err != nil {
		log.Warn().Str("store", name).Str("key", key).Msg("Dropping corrupt cache entry")
		_ = v.client.Do(ctx, v.client.B().Hdel().Key(v.storeKey(name)).Field(key).Build()).Error()
		return Entry{}, false, nil
	}
	return ent, true, nil
}

type valkeyStore struct {
	v    *Valkey
	name string
}

func (s *valkeyStore) Name() string { return s.name }

func (s *valkeyStore) Put(ctx context.Context, key string, ent Entry) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("cachestore: valkey marshal: %w", err)
	}
	cmd := s.v.client.B().Hset().Key(s.v.storeKey(s.name)).FieldValue().FieldValue(key, string(payload)).Build()
	if err := s.v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cachestore: valkey hset: %w", err)
	}
	return nil
}

func (s *valkeyStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	return s.v.get(ctx, s.name, key)
}

func (s *valkeyStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.v.client.Do(ctx, s.v.client.B().Hdel().Key(s.v.storeKey(s.name)).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cachestore: valkey hdel: %w", err)
	}
	return n > 0, nil
}

func (s *valkeyStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.v.client.Do(ctx, s.v.client.B().Hkeys().Key(s.v.storeKey(s.name)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cachestore: valkey hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
