// Package repository defines the storage contracts consumed by the
// session/image/container manager, plus an in-memory implementation for
// tests and ephemeral hosts and a SQLite implementation for durable ones.
// The contracts are plain CRUD and storage-agnostic.
package repository

import (
	"context"

	"github.com/hupe1980/agentdock/core"
)

// ContainerRepository persists container namespaces.
type ContainerRepository interface {
	SaveContainer(ctx context.Context, c core.Container) error
	FindContainerByID(ctx context.Context, id string) (core.Container, error)
}

// ImageRepository persists immutable image snapshots. Images carry their
// frozen message history; implementations encode it via core.EncodeMessage.
type ImageRepository interface {
	SaveImage(ctx context.Context, img core.Image) error
	FindImageByID(ctx context.Context, id string) (core.Image, error)
	FindImagesByContainerID(ctx context.Context, containerID string) ([]core.Image, error)
	DeleteImage(ctx context.Context, id string) error
}

// SessionRepository persists sessions and their append-only message logs.
type SessionRepository interface {
	SaveSession(ctx context.Context, s core.SessionInfo) error
	FindSessionsByImageID(ctx context.Context, imageID string) ([]core.SessionInfo, error)
	AddMessage(ctx context.Context, sessionID string, rec core.MessageRecord) error
	GetMessages(ctx context.Context, sessionID string) ([]core.MessageRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store bundles the three repositories a manager needs.
type Store struct {
	Containers ContainerRepository
	Images     ImageRepository
	Sessions   SessionRepository
}
