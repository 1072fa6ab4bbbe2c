package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hatsunemiku3939/topicpoller"
	"github.com/rs/zerolog"
)

// --- Schemas ---

var userProfileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "userId": { "type": "string" },
    "username": { "type": "string" },
    "email": { "type": "string", "format": "email" }
  },
  "required": ["userId", "username", "email"]
}`

// --- Topics ---
const (
	TopicUserProfileUpdated = "user-profile-updated"
	TopicAuditLog           = "audit-log"
)

// processingTimeout sets a deadline for processing a single message.
const processingTimeout = 30 * time.Second

// --- Message Payloads ---

// UserProfileMessage defines the structure for the "user-profile-updated" message payload.
type UserProfileMessage struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// --- Message Handlers ---

// UpdateUserProfileHandler handles the logic for updating a user profile.
// Messages reach it only after they pass userProfileSchema.
func UpdateUserProfileHandler(logger zerolog.Logger) topicpoller.Handler {
	return func(ctx context.Context, m topicpoller.Message) error {
		var msg UserProfileMessage
		if err := m.Decode(&msg); err != nil {
			return err
		}

		logger.Info().Str("user_id", msg.UserID).Str("username", msg.Username).Msg("processing user update")

		ctx, cancel := context.WithTimeout(ctx, processingTimeout)
		defer cancel()

		// Simulate work. The poller keeps the message hidden while this runs.
		select {
		case <-time.After(2 * time.Second):
			logger.Info().Str("user_id", msg.UserID).Msg("finished processing")
			return nil
		case <-ctx.Done():
			// Returning an error leaves the message on the queue for a retry.
			return ctx.Err()
		}
	}
}

// AuditLogHandler receives the raw text together with the SNS envelope.
func AuditLogHandler(logger zerolog.Logger) topicpoller.Handler {
	return func(_ context.Context, m topicpoller.Message) error {
		if m.Meta == nil {
			return errors.New("audit entries need metadata")
		}
		logger.Info().
			Str("topic", m.Meta.Topic).
			Interface("sent_at", m.Meta.Envelope["Timestamp"]).
			Str("entry", m.Raw).
			Msg("audit")
		return nil
	}
}

// --- Entry Point ---

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// --- 1. Setup Context for Graceful Shutdown ---
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- 2. Load Configuration ---
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}
	prefix := os.Getenv("TOPICPOLLER_PREFIX")

	// --- 3. Setup Poller and Register Handlers ---
	poller := topicpoller.New("user-service", sqs.NewFromConfig(cfg),
		topicpoller.WithPrefix(prefix),
		topicpoller.WithSNS(sns.NewFromConfig(cfg)),
		topicpoller.WithLogger(logger),
		topicpoller.WithTags(map[string]string{"team": "accounts"}),
		topicpoller.WithRedrivePolicy(topicpoller.RedrivePolicy{MaxReceiveCount: 3}),
	)

	if err := poller.HandleWith(UpdateUserProfileHandler(logger), []string{TopicUserProfileUpdated},
		topicpoller.WithSchema(userProfileSchema),
	); err != nil {
		logger.Fatal().Err(err).Msg("could not register handler")
	}
	if err := poller.HandleWith(AuditLogHandler(logger), []string{TopicAuditLog},
		topicpoller.RawMessage(), topicpoller.WithMetadata(),
	); err != nil {
		logger.Fatal().Err(err).Msg("could not register handler")
	}

	// --- 4. Provision and Start Polling ---
	if err := poller.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("poller failed to start")
	}
	logger.Info().Msg("application has shut down")
}
