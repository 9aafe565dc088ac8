package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energycost/pkg/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Each key is a document in the "restore_state" collection of the instance.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	instance  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	instance := lflag.String("firestore-instance", "default", "Name used to separate the state of multiple deployments sharing a database")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.instance = *instance

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project ID may be empty, it is detected from the environment
	if strings.TrimSpace(f.instance) == "" {
		return fmt.Errorf("firestore-instance cannot be empty")
	}
	if strings.Contains(f.instance, "/") {
		return fmt.Errorf("firestore-instance cannot contain '/': %s", f.instance)
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getDoc(key string) (*firestore.DocumentRef, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if strings.Contains(key, "/") {
		return nil, fmt.Errorf("key cannot contain '/': %s", key)
	}
	return f.client.Collection("instances").Doc(f.instance).Collection("restore_state").Doc(key), nil
}

// Save stores the value in the key's document along with the time it was written.
func (f *FirestoreProvider) Save(ctx context.Context, key, value string) error {
	doc, err := f.getDoc(key)
	if err != nil {
		return err
	}
	_, err = doc.Set(ctx, map[string]interface{}{
		"value":     value,
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Load retrieves the value from the key's document.
func (f *FirestoreProvider) Load(ctx context.Context, key string) (string, bool, error) {
	doc, err := f.getDoc(key)
	if err != nil {
		return "", false, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	val, err := snap.DataAt("value")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "restore state doc missing value", slog.String("key", key))
		return "", false, fmt.Errorf("restore state document %s missing 'value' field: %w", key, err)
	}
	str, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "restore state doc value not string", slog.String("key", key))
		return "", false, fmt.Errorf("restore state document %s 'value' field is not a string", key)
	}
	return str, true, nil
}
