// Package store is the MongoDB persistence layer: user accounts with
// embedded task history, and finished recording artifacts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/crypto/bcrypt"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

const (
	usersCollection      = "users"
	recordingsCollection = "execution_videos"

	connectTimeout = 10 * time.Second
)

// ErrInvalidCredentials is returned when a login fails, without saying
// whether the user or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Store wraps the Mongo database handle.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials Mongo and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	name := databaseName(uri)
	log.Printf("💾 Connected to MongoDB, database %q", name)
	return &Store{client: client, db: client.Database(name)}, nil
}

// Close disconnects from Mongo.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// databaseName extracts the database path component from the URI,
// defaulting to matrix_qa.
func databaseName(uri string) string {
	trimmed := uri
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		if name := trimmed[i+1:]; name != "" && !strings.Contains(name, "@") {
			return name
		}
	}
	return "matrix_qa"
}

// EnsureUser creates the account if it does not exist yet. Used at
// startup to bootstrap the admin and test users.
func (s *Store) EnsureUser(ctx context.Context, username, password, role string) error {
	count, err := s.db.Collection(usersCollection).CountDocuments(ctx, bson.M{"username": username})
	if err != nil {
		return fmt.Errorf("failed to check user %s: %w", username, err)
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.db.Collection(usersCollection).InsertOne(ctx, models.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		History:      []models.HistoryEntry{},
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", username, err)
	}
	log.Printf("Created user %s with role %s", username, role)
	return nil
}

// Authenticate verifies a username/password pair.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"username": username}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// SaveHistory pushes one execution entry onto the user's history. The
// user document is created on first write for pseudo-users like the Jira
// automation account.
func (s *Store) SaveHistory(ctx context.Context, username string, entry models.HistoryEntry) error {
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{
			"$push":        bson.M{"history": entry},
			"$setOnInsert": bson.M{"username": username, "role": "service", "created_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save history for %s: %w", username, err)
	}
	return nil
}

// ListHistory returns the user's execution history, newest first.
func (s *Store) ListHistory(ctx context.Context, username string) ([]models.HistoryEntry, error) {
	var user models.User
	err := s.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"username": username}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return []models.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("failed to load history for %s: %w", username, err)
	}

	history := user.History
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// DeleteHistoryEntry removes one entry from the user's history by task id.
func (s *Store) DeleteHistoryEntry(ctx context.Context, username, taskID string) error {
	res, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$pull": bson.M{"history": bson.M{"task_id": taskID}}},
	)
	if err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	if res.ModifiedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// SaveRecording inserts a finished recording artifact.
func (s *Store) SaveRecording(ctx context.Context, artifact *models.RecordingArtifact) error {
	res, err := s.db.Collection(recordingsCollection).InsertOne(ctx, artifact)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	log.Printf("💾 Saved %s recording for session %s (%d bytes), id %v",
		artifact.FileType, shortID(artifact.SessionID), artifact.VideoSize, res.InsertedID)
	return nil
}

// RecordingSummary is a listing row: the artifact's metadata without the
// video payload.
type RecordingSummary struct {
	ID         primitive.ObjectID     `json:"id" bson:"_id"`
	SessionID  string                 `json:"session_id" bson:"session_id"`
	Username   string                 `json:"username" bson:"username"`
	TaskID     string                 `json:"task_id,omitempty" bson:"task_id,omitempty"`
	StartTime  time.Time              `json:"start_time" bson:"start_time"`
	Duration   float64                `json:"duration" bson:"duration"`
	FrameCount int                    `json:"frame_count" bson:"frame_count"`
	VideoSize  int                    `json:"video_size" bson:"video_size"`
	FileType   models.RecordingFormat `json:"file_type" bson:"file_type"`
}

// ListRecordings returns the user's recordings, newest first, without
// video payloads.
func (s *Store) ListRecordings(ctx context.Context, username string) ([]RecordingSummary, error) {
	opts := options.Find().
		SetProjection(bson.M{"video_data": 0}).
		SetSort(bson.M{"start_time": -1})
	cur, err := s.db.Collection(recordingsCollection).Find(ctx, bson.M{"username": username}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer cur.Close(ctx)

	summaries := []RecordingSummary{}
	if err := cur.All(ctx, &summaries); err != nil {
		return nil, fmt.Errorf("failed to decode recordings: %w", err)
	}
	return summaries, nil
}

// GetRecording loads one full artifact, payload included, for download.
func (s *Store) GetRecording(ctx context.Context, id string) (*models.RecordingArtifact, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid recording id: %w", err)
	}
	var artifact models.RecordingArtifact
	if err := s.db.Collection(recordingsCollection).
		FindOne(ctx, bson.M{"_id": oid}).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("failed to load recording %s: %w", id, err)
	}
	return &artifact, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
