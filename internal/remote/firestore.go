package remote

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"courier/internal/config"
	"courier/internal/store"
)

// messageDoc is the wire shape of a message record. Documents live at
// <collection>/<conversationId>/messages/<messageId> so the client id is
// the document key and every write is an upsert.
type messageDoc struct {
	ID             string   `firestore:"id"`
	ConversationID string   `firestore:"conversationId"`
	SenderID       string   `firestore:"senderId"`
	Body           string   `firestore:"body"`
	MediaRef       string   `firestore:"mediaRef"`
	Status         string   `firestore:"status"`
	ReadBy         []string `firestore:"readBy"`
	CreatedAt      int64    `firestore:"createdAt"`
	UpdatedAt      int64    `firestore:"updatedAt"`
}

func toDoc(m *store.Message) *messageDoc {
	return &messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		MediaRef:       m.MediaRef,
		Status:         m.Status,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      time.Now().UnixMilli(),
	}
}

func (d *messageDoc) toMessage() *store.Message {
	return &store.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		MediaRef:       d.MediaRef,
		Status:         d.Status,
		ReadBy:         d.ReadBy,
		CreatedAt:      d.CreatedAt,
	}
}

// FirestoreStore implements Store on Google Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore initializes the Firebase app and Firestore client for
// the configured project.
func NewFirestoreStore(ctx context.Context, cfg config.Remote) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("remote store: project_id not configured")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}

	return &FirestoreStore{client: client, collection: cfg.Collection}, nil
}

func (s *FirestoreStore) messages(conversationID string) *firestore.CollectionRef {
	return s.client.Collection(s.collection).Doc(conversationID).Collection("messages")
}

// UpsertMessage writes the record keyed by the message's client id.
func (s *FirestoreStore) UpsertMessage(ctx context.Context, m *store.Message) error {
	_, err := s.messages(m.ConversationID).Doc(m.ID).Set(ctx, toDoc(m))
	if err != nil {
		return fmt.Errorf("upsert remote message %s: %w", m.ID, err)
	}
	return nil
}

// QueryMessages returns a conversation's messages created at or after since.
func (s *FirestoreStore) QueryMessages(ctx context.Context, conversationID string, since int64) ([]*store.Message, error) {
	iter := s.messages(conversationID).
		Where("createdAt", ">=", since).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var msgs []*store.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate remote messages: %w", err)
		}
		var d messageDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode remote message: %w", err)
		}
		msgs = append(msgs, d.toMessage())
	}
	return msgs, nil
}

// Listen streams added and modified message records across all
// conversations via a collection-group snapshot listener.
func (s *FirestoreStore) Listen(ctx context.Context, since int64, handler func(*store.Message)) error {
	snaps := s.client.CollectionGroup("messages").
		Where("updatedAt", ">=", since).
		Snapshots(ctx)
	defer snaps.Stop()

	for {
		snap, err := snaps.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("remote snapshot: %w", err)
		}
		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded && change.Kind != firestore.DocumentModified {
				continue
			}
			var d messageDoc
			if err := change.Doc.DataTo(&d); err != nil {
				continue
			}
			handler(d.toMessage())
		}
	}
}

// Close releases the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
