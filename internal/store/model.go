package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/loom-ml/loom/internal/flow"
)

// Model is a registry row describing a stored flow file.
type Model struct {
	Hash       string
	Name       string
	Version    int
	Size       int
	CreatedSeq int64
}

// ModelHash returns the content hash of a flow: the SHA-256 of the
// NFC-normalized graph description. Normalizing first keeps the hash stable
// across Unicode representations of the same graph names.
func ModelHash(f *flow.Flow) string {
	text := norm.NFC.String(f.String())
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SaveModel stores a flow under its content hash and returns the hash.
// Saving the same graph twice is a no-op; the blobs of the flow are stored
// alongside the serialized flow file.
func (s *Store) SaveModel(ctx context.Context, name string, f *flow.Flow) (string, error) {
	hash := ModelHash(f)

	data, err := f.Marshal()
	if err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO models (hash, name, version, data, created_seq)
		VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(created_seq) FROM models), 0) + 1)
		ON CONFLICT(hash) DO NOTHING
	`, hash, name, flow.Version, data)
	if err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}

	for _, blob := range f.Blobs() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blobs (model, name, type, data)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(model, name) DO NOTHING
		`, hash, blob.Name, blob.Type, blob.Data)
		if err != nil {
			return "", fmt.Errorf("save blob %s: %w", blob.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}
	return hash, nil
}

// LoadModel reads a stored flow back by hash.
func (s *Store) LoadModel(ctx context.Context, hash string) (*flow.Flow, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM models WHERE hash = ?`, hash).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", hash, err)
	}

	f := flow.New()
	if err := f.Read(data); err != nil {
		return nil, fmt.Errorf("load model %s: %w", hash, err)
	}
	return f, nil
}

// ListModels returns all stored models in creation order.
func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, name, version, LENGTH(data), created_seq
		FROM models ORDER BY created_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.Hash, &m.Name, &m.Version, &m.Size, &m.CreatedSeq); err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
