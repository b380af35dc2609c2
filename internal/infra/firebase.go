// README: Firebase Admin SDK initialisation, token verifier and FCM pusher.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FirebaseToken holds the verified token data used by downstream middleware.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

// PushMessage is a data push addressed to a single device.
type PushMessage struct {
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]string
}

// Pusher delivers a push notification and returns the provider message id.
type Pusher interface {
	Push(ctx context.Context, msg PushMessage) (string, error)
}

// NewFirebaseApp creates the Admin SDK app shared by auth and messaging.
// If credentialsFile is non-empty it is used as the service-account JSON path;
// otherwise application-default credentials / GOOGLE_APPLICATION_CREDENTIALS are used.
func NewFirebaseApp(ctx context.Context, projectID, credentialsFile string) (*firebase.App, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// firebaseVerifier is the production implementation backed by the Firebase Admin SDK.
type firebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (TokenVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}

type fcmPusher struct {
	client *messaging.Client
}

func NewFCMPusher(ctx context.Context, app *firebase.App) (Pusher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return &fcmPusher{client: client}, nil
}

func (p *fcmPusher) Push(ctx context.Context, msg PushMessage) (string, error) {
	if msg.DeviceToken == "" {
		return "", fmt.Errorf("empty device token")
	}
	m := &messaging.Message{
		Token: msg.DeviceToken,
		Data:  msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if msg.Title != "" || msg.Body != "" {
		m.Notification = &messaging.Notification{Title: msg.Title, Body: msg.Body}
	}
	id, err := p.client.Send(ctx, m)
	if err != nil {
		return "", fmt.Errorf("sending FCM: %w", err)
	}
	return id, nil
}
