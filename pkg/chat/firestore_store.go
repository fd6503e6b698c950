package chat

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store using Google Cloud Firestore.
// Sessions live in a top-level collection keyed by session id;
// messages live in a per-session subcollection ordered by timestamp.
type FirestoreStore struct {
	client             *firestore.Client
	sessionsCollection string
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// CredentialsFile is a service account key path. When empty,
	// Application Default Credentials are used.
	CredentialsFile string
	// SessionsCollection overrides the collection name
	// (default: "sessions").
	SessionsCollection string
}

// firestoreSession is the stored session shape. Fields are flattened
// at the top level for indexed queries.
type firestoreSession struct {
	ID           string         `firestore:"id"`
	UserID       string         `firestore:"user_id"`
	Status       string         `firestore:"status"`
	CreatedAt    time.Time      `firestore:"created_at"`
	LastActivity time.Time      `firestore:"last_activity"`
	MessageCount int            `firestore:"message_count"`
	Metadata     map[string]any `firestore:"metadata,omitempty"`
}

// firestoreMessage is the stored message shape.
type firestoreMessage struct {
	SessionID     string         `firestore:"session_id"`
	MessageID     string         `firestore:"message_id"`
	Content       string         `firestore:"content"`
	Sender        string         `firestore:"sender"`
	Timestamp     time.Time      `firestore:"timestamp"`
	AgentResponse map[string]any `firestore:"agent_response,omitempty"`
	Metadata      map[string]any `firestore:"metadata,omitempty"`
}

// NewFirestoreStore creates a Firestore-backed chat store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	collection := cfg.SessionsCollection
	if collection == "" {
		collection = "sessions"
	}

	return &FirestoreStore{
		client:             client,
		sessionsCollection: collection,
	}, nil
}

// NewFirestoreStoreFromClient wraps an existing client. This is useful
// for testing against the Firestore emulator.
func NewFirestoreStoreFromClient(client *firestore.Client, sessionsCollection string) *FirestoreStore {
	if sessionsCollection == "" {
		sessionsCollection = "sessions"
	}
	return &FirestoreStore{
		client:             client,
		sessionsCollection: sessionsCollection,
	}
}

func (f *FirestoreStore) sessionDoc(sessionID string) *firestore.DocumentRef {
	return f.client.Collection(f.sessionsCollection).Doc(sessionID)
}

func (f *FirestoreStore) messagesRef(sessionID string) *firestore.CollectionRef {
	return f.sessionDoc(sessionID).Collection("messages")
}

// PutSession creates or replaces session state.
func (f *FirestoreStore) PutSession(ctx context.Context, sess *Session) (err error) {
	defer func() { recordOp("put_session", err) }()
	if _, err := f.sessionDoc(sess.ID).Set(ctx, toFirestoreSession(sess)); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (f *FirestoreStore) GetSession(ctx context.Context, sessionID string) (sess *Session, err error) {
	defer func() { recordOp("get_session", err) }()
	snap, err := f.sessionDoc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var doc firestoreSession
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return fromFirestoreSession(&doc), nil
}

// UpdateSession applies fn inside a Firestore transaction so the
// counter update is atomic against concurrent writers.
func (f *FirestoreStore) UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) (err error) {
	defer func() { recordOp("update_session", err) }()
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(f.sessionDoc(sessionID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrSessionNotFound
			}
			return err
		}

		var doc firestoreSession
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		sess := fromFirestoreSession(&doc)
		if err := fn(sess); err != nil {
			return err
		}
		return tx.Set(f.sessionDoc(sessionID), toFirestoreSession(sess))
	})
	if err != nil {
		if err == ErrSessionNotFound {
			return err
		}
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// AppendMessage persists a message keyed by its message id.
func (f *FirestoreStore) AppendMessage(ctx context.Context, msg *Message) (err error) {
	defer func() { recordOp("append_message", err) }()
	doc := firestoreMessage{
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Content:   msg.Content,
		Sender:    string(msg.Sender),
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}
	if msg.AgentResponse != nil {
		doc.AgentResponse = map[string]any{
			"agent_type":         string(msg.AgentResponse.AgentType),
			"content":            msg.AgentResponse.Content,
			"confidence":         msg.AgentResponse.Confidence,
			"processing_time_ms": msg.AgentResponse.ProcessingTimeMs,
			"timestamp":          msg.AgentResponse.Timestamp,
		}
	}

	// Create (not Set) enforces message id uniqueness within a session.
	if _, err := f.messagesRef(msg.SessionID).Doc(msg.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrMessageExists
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages ordered by timestamp.
func (f *FirestoreStore) ListMessages(ctx context.Context, sessionID string, opts ListOptions) (msgs []*Message, err error) {
	defer func() { recordOp("list_messages", err) }()
	q := f.messagesRef(sessionID).OrderBy("timestamp", firestore.Asc)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}

		var doc firestoreMessage
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, fromFirestoreMessage(&doc))
	}
	return msgs, nil
}

// ListSessions returns sessions for a user ordered by creation time.
func (f *FirestoreStore) ListSessions(ctx context.Context, userID string, opts ListOptions) (sessions []*Session, err error) {
	defer func() { recordOp("list_sessions", err) }()
	q := f.client.Collection(f.sessionsCollection).
		Where("user_id", "==", userID).
		OrderBy("created_at", firestore.Asc)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}

		var doc firestoreSession
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, fromFirestoreSession(&doc))
	}
	return sessions, nil
}

// Ping probes the backend with a one-document read.
func (f *FirestoreStore) Ping(ctx context.Context) error {
	iter := f.client.Collection(f.sessionsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close closes the connection to Firestore.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func toFirestoreSession(sess *Session) *firestoreSession {
	return &firestoreSession{
		ID:           sess.ID,
		UserID:       sess.UserID,
		Status:       string(sess.Status),
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		MessageCount: sess.MessageCount,
		Metadata:     sess.Metadata,
	}
}

func fromFirestoreSession(doc *firestoreSession) *Session {
	return &Session{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Status:       SessionStatus(doc.Status),
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
		MessageCount: doc.MessageCount,
		Metadata:     doc.Metadata,
	}
}

func fromFirestoreMessage(doc *firestoreMessage) *Message {
	msg := &Message{
		SessionID: doc.SessionID,
		ID:        doc.MessageID,
		Content:   doc.Content,
		Sender:    Sender(doc.Sender),
		Timestamp: doc.Timestamp,
		Metadata:  doc.Metadata,
	}
	if doc.AgentResponse != nil {
		ar := &AgentResponse{}
		if v, ok := doc.AgentResponse["agent_type"].(string); ok {
			ar.AgentType = AgentType(v)
		}
		if v, ok := doc.AgentResponse["content"].(string); ok {
			ar.Content = v
		}
		if v, ok := doc.AgentResponse["confidence"].(float64); ok {
			ar.Confidence = v
		}
		if v, ok := doc.AgentResponse["processing_time_ms"].(int64); ok {
			ar.ProcessingTimeMs = v
		}
		if v, ok := doc.AgentResponse["timestamp"].(time.Time); ok {
			ar.Timestamp = v
		}
		msg.AgentResponse = ar
	}
	return msg
}
