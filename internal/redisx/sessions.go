package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/cart"
	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps serialized storefront sessions. It is written at
// lifecycle points only, not on every cart edit.
type SessionStore struct {
	RDB redis.Cmdable
	TTL time.Duration
}

func (s *SessionStore) Save(ctx context.Context, sess *cart.Session) error {
	b, err := cart.Save(sess)
	if err != nil {
		return err
	}
	return s.RDB.Set(ctx, fmt.Sprintf(KeySession, sess.ID), b, s.TTL).Err()
}

func (s *SessionStore) Load(ctx context.Context, id string) (*cart.Session, error) {
	b, err := s.RDB.Get(ctx, fmt.Sprintf(KeySession, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return cart.Load(b)
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.RDB.Del(ctx, fmt.Sprintf(KeySession, id)).Err()
}
