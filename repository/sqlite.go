package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/agentdock/core"
)

// SQLiteStore implements all three repository contracts on a single SQLite
// database. Concurrency is handled by database-level locking; the store is
// safe for concurrent use from one process.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite database at path. Use ":memory:"
// for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	id              TEXT PRIMARY KEY,
	container_id    TEXT NOT NULL,
	name            TEXT NOT NULL,
	system_prompt   TEXT NOT NULL DEFAULT '',
	parent_image_id TEXT NOT NULL DEFAULT '',
	messages_json   TEXT NOT NULL DEFAULT '[]',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_container ON images(container_id);
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	container_id TEXT NOT NULL,
	image_id     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_image ON sessions(image_id);
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Repositories returns the store wired as a repository.Store bundle.
func (s *SQLiteStore) Repositories() Store {
	return Store{Containers: s, Images: s, Sessions: s}
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveContainer implements ContainerRepository.
func (s *SQLiteStore) SaveContainer(ctx context.Context, c core.Container) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO containers (id, created_at) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`, c.ID, c.CreatedAt)
	if err != nil {
		return &core.PersistenceError{Op: "save container " + c.ID, Err: err}
	}
	return nil
}

// FindContainerByID implements ContainerRepository.
func (s *SQLiteStore) FindContainerByID(ctx context.Context, id string) (core.Container, error) {
	var c core.Container
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM containers WHERE id = ?`, id).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Container{}, core.NewNotFound("container", id)
	}
	if err != nil {
		return core.Container{}, fmt.Errorf("find container %s: %w", id, err)
	}
	return c, nil
}

// SaveImage implements ImageRepository.
func (s *SQLiteStore) SaveImage(ctx context.Context, img core.Image) error {
	records := make([]core.MessageRecord, 0, len(img.Messages))
	for _, m := range img.Messages {
		rec, err := core.EncodeMessage(m)
		if err != nil {
			return &core.PersistenceError{Op: "save image " + img.ID, Err: err}
		}
		records = append(records, rec)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return &core.PersistenceError{Op: "save image " + img.ID, Err: err}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO images (id, container_id, name, system_prompt, parent_image_id, messages_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.ContainerID, img.Name, img.SystemPrompt, img.ParentImageID, string(raw), img.CreatedAt)
	if err != nil {
		return &core.PersistenceError{Op: "save image " + img.ID, Err: err}
	}
	return nil
}

// FindImageByID implements ImageRepository.
func (s *SQLiteStore) FindImageByID(ctx context.Context, id string) (core.Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, container_id, name, system_prompt, parent_image_id, messages_json, created_at
		 FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Image{}, core.NewNotFound("image", id)
	}
	return img, err
}

// FindImagesByContainerID implements ImageRepository.
func (s *SQLiteStore) FindImagesByContainerID(ctx context.Context, containerID string) ([]core.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, container_id, name, system_prompt, parent_image_id, messages_json, created_at
		 FROM images WHERE container_id = ? ORDER BY created_at`, containerID)
	if err != nil {
		return nil, fmt.Errorf("find images for container %s: %w", containerID, err)
	}
	defer rows.Close()

	var images []core.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (core.Image, error) {
	var img core.Image
	var rawMessages string
	if err := row.Scan(&img.ID, &img.ContainerID, &img.Name, &img.SystemPrompt,
		&img.ParentImageID, &rawMessages, &img.CreatedAt); err != nil {
		return core.Image{}, err
	}
	var records []core.MessageRecord
	if err := json.Unmarshal([]byte(rawMessages), &records); err != nil {
		return core.Image{}, fmt.Errorf("decode image %s messages: %w", img.ID, err)
	}
	for _, rec := range records {
		m, err := core.DecodeMessage(rec)
		if err != nil {
			return core.Image{}, err
		}
		img.Messages = append(img.Messages, m)
	}
	return img, nil
}

// DeleteImage implements ImageRepository.
func (s *SQLiteStore) DeleteImage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return &core.PersistenceError{Op: "delete image " + id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("image", id)
	}
	return nil
}

// SaveSession implements SessionRepository.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess core.SessionInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, container_id, image_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET agent_id = excluded.agent_id`,
		sess.ID, sess.AgentID, sess.ContainerID, sess.ImageID, sess.CreatedAt)
	if err != nil {
		return &core.PersistenceError{Op: "save session " + sess.ID, Err: err}
	}
	return nil
}

// FindSessionsByImageID implements SessionRepository.
func (s *SQLiteStore) FindSessionsByImageID(ctx context.Context, imageID string) ([]core.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, container_id, image_id, created_at FROM sessions WHERE image_id = ?`, imageID)
	if err != nil {
		return nil, fmt.Errorf("find sessions for image %s: %w", imageID, err)
	}
	defer rows.Close()

	var sessions []core.SessionInfo
	for rows.Next() {
		var sess core.SessionInfo
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.ContainerID, &sess.ImageID, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AddMessage implements SessionRepository.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, rec core.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, kind, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, sessionID, string(rec.Kind), rec.Timestamp, string(rec.Payload))
	if err != nil {
		return &core.PersistenceError{Op: "add message to session " + sessionID, Err: err}
	}
	return nil
}

// GetMessages implements SessionRepository, in append order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]core.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, timestamp, payload FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var records []core.MessageRecord
	for rows.Next() {
		var rec core.MessageRecord
		var kind, payload string
		if err := rows.Scan(&rec.ID, &kind, &rec.Timestamp, &payload); err != nil {
			return nil, err
		}
		rec.Kind = core.MessageKind(kind)
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteSession implements SessionRepository, removing the session and its
// message log.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return &core.PersistenceError{Op: "delete session messages " + sessionID, Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return &core.PersistenceError{Op: "delete session " + sessionID, Err: err}
	}
	return nil
}
