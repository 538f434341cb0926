package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/astroshop/api/internal/platform/config"
)

// FirebaseVerifier verifies shopper ID tokens through the Firebase Admin SDK. The SDK honours
// FIREBASE_AUTH_EMULATOR_HOST, which local development relies on.
type FirebaseVerifier struct {
	client *firebaseauth.Client
}

// NewFirebaseVerifier constructs a FirebaseVerifier for the configured project.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...option.ClientOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	clientOpts := append([]option.ClientOption(nil), opts...)
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

// VerifyIDToken checks the token signature, audience and expiry.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
