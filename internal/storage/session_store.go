package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
	"go.pilab.hu/verifybot/instagram"
)

const sessionBucket = "instagram_sessions"

// BoltSessionStore keeps the operator's Instagram session in a local bbolt
// file, keyed by operator username, so restarts reuse the logged in device.
type BoltSessionStore struct {
	db  *bbolt.DB
	key []byte
}

// NewBoltSessionStore opens (or creates) the database at dbPath.
func NewBoltSessionStore(dbPath, operator string) (*BoltSessionStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create session db directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", sessionBucket, err)
	}

	log.Debug().Str("path", dbPath).Msg("Session store opened")
	return &BoltSessionStore{db: db, key: []byte(operator)}, nil
}

// Load implements proof.SessionStore.
func (s *BoltSessionStore) Load(_ context.Context) (*instagram.Session, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(sessionBucket)).Get(s.key); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var sess instagram.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

// Save implements proof.SessionStore.
func (s *BoltSessionStore) Save(_ context.Context, sess *instagram.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put(s.key, raw)
	})
}

// Clear implements proof.SessionStore.
func (s *BoltSessionStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete(s.key)
	})
}

// Close closes the database file.
func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}
