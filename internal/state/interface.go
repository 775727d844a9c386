package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/agora/pkg/models"
)

// ConversationStore persists routing state. Conversations are never deleted.
type ConversationStore interface {
	// SaveConversation inserts or replaces a conversation.
	SaveConversation(ctx context.Context, c *models.Conversation) error
	// GetConversation returns nil, nil when the conversation is unknown.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, projectRef string) ([]*models.Conversation, error)
	// SaveTransition stores the conversation and its transition atomically.
	SaveTransition(ctx context.Context, c *models.Conversation, t models.PhaseTransition) error
	ListTransitions(ctx context.Context, conversationID string) ([]models.PhaseTransition, error)
}

// TaskStore persists tool task records.
type TaskStore interface {
	// SaveTask inserts or replaces a task.
	SaveTask(ctx context.Context, t *models.Task) error
	// GetTask returns nil, nil when the task is unknown.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByConversation(ctx context.Context, conversationID string) ([]*models.Task, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes every persistence concern.
type Store interface {
	io.Closer
	Migrator
	ConversationStore
	TaskStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store             = (*DB)(nil)
	_ ConversationStore = (*DB)(nil)
	_ TaskStore         = (*DB)(nil)
)
