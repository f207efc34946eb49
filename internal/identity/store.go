// Package identity implements C1, the persistent identity store: a
// single SQLite table mapping UidName to an encrypted ClientId (§4.1,
// §6). The SQLite engine itself and the encryption key's ultimate
// provenance are out of scope (§1) — this package only implements the
// record shape and the encrypt/decrypt-at-rest step around it.
package identity

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/aead/v2"

	"github.com/hashicorp/go-hclog"

	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS client_identity (
	uid_name TEXT PRIMARY KEY,
	client_id BLOB NOT NULL,
	id_creation_time INTEGER NOT NULL,
	iv BLOB NOT NULL
);`

// Entry is one persisted row, decrypted (§4.1).
type Entry struct {
	UidName          types.UidName
	ClientID         types.ClientId
	IDCreationTimeMs int64
}

// Store is C1. A failed encrypt or DB write is logged and the caller's
// in-memory token is still used for the current run; it just will not
// survive a restart (§4.1 Failure semantics).
type Store struct {
	db      *sql.DB
	wrapper wrapping.Wrapper
	log     hclog.Logger
}

// Open opens (creating if needed) the SQLite-backed store at dsn,
// encrypting client_id values with a process-bound AES-GCM key via the
// go-kms-wrapping aead wrapper.
func Open(dsn string, processKey []byte, log hclog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: migrate schema: %w", err)
	}

	w := aead.NewWrapper()
	if _, err := w.SetConfig(context.Background(), wrapping.WithKeyId("remotetaskd-identity")); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: configure wrapper: %w", err)
	}
	if err := w.SetAesGcmKeyBytes(processKey); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: set process key: %w", err)
	}

	return &Store{db: db, wrapper: w, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert persists entry. A failure here is non-fatal to the current run
// (§4.1, §7 PersistenceFailed) — it is returned wrapped so the caller can
// log it, but the caller must keep using the in-memory token regardless.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	blob, err := s.wrapper.Encrypt(ctx, []byte(e.ClientID))
	if err != nil {
		return rtderr.Wrap(rtderr.KindPersistenceFailed, "encrypt client_id", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_identity (uid_name, client_id, id_creation_time, iv)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uid_name) DO UPDATE SET client_id=excluded.client_id,
			id_creation_time=excluded.id_creation_time, iv=excluded.iv`,
		string(e.UidName), blob.Ciphertext, e.IDCreationTimeMs, blob.Iv)
	if err != nil {
		return rtderr.Wrap(rtderr.KindPersistenceFailed, "upsert client identity row", err)
	}
	return nil
}

// Delete removes the row for uid, used when a serverless registration
// purges a prior non-serverless token (§4.4) or a package is uninstalled.
func (s *Store) Delete(ctx context.Context, uid types.UidName) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_identity WHERE uid_name = ?`, string(uid)); err != nil {
		return rtderr.Wrap(rtderr.KindPersistenceFailed, "delete client identity row", err)
	}
	return nil
}

// Lookup returns the entry for uid, or ok=false if absent.
func (s *Store) Lookup(ctx context.Context, uid types.UidName) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT client_id, id_creation_time, iv FROM client_identity WHERE uid_name = ?`, string(uid))

	var ciphertext, iv []byte
	var createdMs int64
	if err := row.Scan(&ciphertext, &createdMs, &iv); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("identity: lookup %s: %w", uid, err)
	}

	clientID, err := s.decrypt(ctx, uid, ciphertext, iv)
	if err != nil {
		return Entry{}, false, nil // drop silently at read time per §4.1
	}
	return Entry{UidName: uid, ClientID: clientID, IDCreationTimeMs: createdMs}, true, nil
}

// ListAll returns every row that decrypts successfully. Rows that fail to
// decrypt are dropped silently (§4.1 "Reads at init that fail to decrypt
// a row drop that row silently").
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid_name, client_id, id_creation_time, iv FROM client_identity`)
	if err != nil {
		return nil, fmt.Errorf("identity: list all: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var uidName string
		var ciphertext, iv []byte
		var createdMs int64
		if err := rows.Scan(&uidName, &ciphertext, &createdMs, &iv); err != nil {
			return nil, fmt.Errorf("identity: scan row: %w", err)
		}

		uid := types.UidName(uidName)
		clientID, err := s.decrypt(ctx, uid, ciphertext, iv)
		if err != nil {
			if s.log != nil {
				s.log.Warn("dropping row that failed to decrypt", "uid_name", uidName, "error", err)
			}
			continue
		}
		out = append(out, Entry{UidName: uid, ClientID: clientID, IDCreationTimeMs: createdMs})
	}
	return out, rows.Err()
}

func (s *Store) decrypt(ctx context.Context, uid types.UidName, ciphertext, iv []byte) (types.ClientId, error) {
	plaintext, err := s.wrapper.Decrypt(ctx, &wrapping.BlobInfo{Ciphertext: ciphertext, Iv: iv})
	if err != nil {
		return "", fmt.Errorf("identity: decrypt %s: %w", uid, err)
	}
	return types.ClientId(plaintext), nil
}

// Stats reports basic operational counts for the CLI status command.
type Stats struct {
	RowCount int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_identity`).Scan(&n); err != nil {
		return Stats{}, fmt.Errorf("identity: stats: %w", err)
	}
	return Stats{RowCount: n}, nil
}
