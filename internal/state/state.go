package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket = []byte("sessions")
	tokenKey       = []byte("token")
	userKey        = []byte("user")
	savedAtKey     = []byte("saved_at")
)

// accountKey returns the SHA-256 hex digest identifying one account on
// one server. Email addresses are not stored on disk in the clear.
func accountKey(apiURL, email string) []byte {
	id := strings.TrimRight(apiURL, "/") + "\x00" + strings.ToLower(strings.TrimSpace(email))
	h := sha256.Sum256([]byte(id))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

// Session is the cached login of one account.
type Session struct {
	Token   string
	User    chat.User
	SavedAt time.Time
}

// State wraps a bbolt database caching login sessions between runs.
// Conversations and messages are never persisted.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the cached session for an account. ok is false when
// nothing usable is cached.
func (s *State) Session(apiURL, email string) (Session, bool, error) {
	var (
		sess Session
		ok   bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket(accountKey(apiURL, email))
		if b == nil {
			return nil
		}

		tok := b.Get(tokenKey)
		if len(tok) == 0 {
			return nil
		}

		sess.Token = string(tok)

		if v := b.Get(userKey); v != nil {
			if err := json.Unmarshal(v, &sess.User); err != nil {
				return fmt.Errorf("decoding cached user: %w", err)
			}
		}

		if v := b.Get(savedAtKey); v != nil {
			if err := sess.SavedAt.UnmarshalText(v); err != nil {
				return fmt.Errorf("decoding cached timestamp: %w", err)
			}
		}

		ok = true

		return nil
	})
	if err != nil {
		return Session{}, false, err
	}

	return sess, ok, nil
}

// SaveSession persists the token and user of an account, replacing any
// earlier entry.
func (s *State) SaveSession(apiURL, email string, sess Session) error {
	if sess.Token == "" {
		return fmt.Errorf("saving session: empty token")
	}

	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	savedAt := sess.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	ts, err := savedAt.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("encoding timestamp: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists(accountKey(apiURL, email))
		if err != nil {
			return err
		}

		if err := b.Put(tokenKey, []byte(sess.Token)); err != nil {
			return err
		}

		if err := b.Put(userKey, user); err != nil {
			return err
		}

		return b.Put(savedAtKey, ts)
	})
}

// ClearSession removes an account's cached session. Called when the server
// rejects the cached token.
func (s *State) ClearSession(apiURL, email string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		key := accountKey(apiURL, email)

		if b.Bucket(key) == nil {
			return nil
		}

		return b.DeleteBucket(key)
	})
}
