// Package storage persists device push tokens, one JSON object per user, in
// Cloud Storage or a local directory.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"

	"nearby-alerts/pkg/notifier"
)

var errConflict = errors.New("token file changed concurrently")

// Store handles push token persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
	mu        sync.Mutex // Serializes local read-modify-write
}

// New creates a new token store. A non-empty localPath selects the local
// filesystem instead of the bucket.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

type tokenFile struct {
	UserID string               `json:"user_id"`
	Tokens []notifier.PushToken `json:"tokens"`
}

// UserKey derives a stable, path-safe object name from a user id.
// HMAC keeps user ids out of object listings.
func (s *Store) UserKey(userID string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(userID))
	return fmt.Sprintf("tokens-%s.json", hex.EncodeToString(h.Sum(nil)))
}

// RegisterToken adds a device token or refreshes an existing one.
func (s *Store) RegisterToken(ctx context.Context, tok notifier.PushToken) error {
	if tok.UserID == "" || tok.Token == "" {
		return fmt.Errorf("%w: token user and value are required", notifier.ErrInvalidArgument)
	}
	if tok.LastValidated.IsZero() {
		tok.LastValidated = time.Now().UTC()
	}
	return s.update(ctx, tok.UserID, func(f *tokenFile) bool {
		for i := range f.Tokens {
			if f.Tokens[i].Token == tok.Token {
				f.Tokens[i] = tok
				return true
			}
		}
		f.Tokens = append(f.Tokens, tok)
		return true
	})
}

// PruneToken permanently removes a device token. Missing is not an error.
func (s *Store) PruneToken(ctx context.Context, userID, token string) error {
	return s.update(ctx, userID, func(f *tokenFile) bool {
		for i := range f.Tokens {
			if f.Tokens[i].Token == token {
				f.Tokens = append(f.Tokens[:i], f.Tokens[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Tokens lists a user's device tokens ordered by token.
func (s *Store) Tokens(ctx context.Context, userID string) ([]notifier.PushToken, error) {
	f, _, err := s.load(ctx, s.UserKey(userID))
	if notifier.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(f.Tokens, func(i, j int) bool { return f.Tokens[i].Token < f.Tokens[j].Token })
	return f.Tokens, nil
}

// update applies mutate to the user's token file. In Cloud Storage the write
// is conditional on the generation that was read, and a lost race re-reads.
func (s *Store) update(ctx context.Context, userID string, mutate func(*tokenFile) bool) error {
	key := s.UserKey(userID)

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		f, _, err := s.load(ctx, key)
		if notifier.IsNotFound(err) {
			f, err = &tokenFile{UserID: userID}, nil
		}
		if err != nil {
			return err
		}
		if !mutate(f) {
			return nil
		}
		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal tokens: %w", err)
		}
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Tokens saved to local storage", "path", filePath, "token_count", len(f.Tokens))
		return nil
	}

	err := retry.Do(
		func() error {
			f, gen, err := s.load(ctx, key)
			if notifier.IsNotFound(err) {
				f, gen, err = &tokenFile{UserID: userID}, 0, nil
			}
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !mutate(f) {
				return nil
			}
			data, err := json.Marshal(f)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("marshal tokens: %w", err))
			}

			cond := storage.Conditions{DoesNotExist: true}
			if gen != 0 {
				cond = storage.Conditions{GenerationMatch: gen}
			}
			w := s.client.Bucket(s.bucket).Object(key).If(cond).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				var gerr *googleapi.Error
				if errors.As(closeErr, &gerr) && gerr.Code == http.StatusPreconditionFailed {
					return errConflict
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying token update after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("update tokens after retries: %w", err)
	}
	return nil
}

// load reads a token file and its generation (0 in local mode).
func (s *Store) load(ctx context.Context, key string) (*tokenFile, int64, error) {
	var (
		data []byte
		gen  int64
	)

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, fmt.Errorf("%s: %w", key, notifier.ErrNotFound)
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var missing bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				gen = r.Attrs.Generation
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if missing {
			return nil, 0, fmt.Errorf("%s: %w", key, notifier.ErrNotFound)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("load after retries: %w: %w", notifier.ErrTransientIO, err)
		}
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return &f, gen, nil
}
