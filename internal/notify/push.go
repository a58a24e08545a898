package notify

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// PushNotifier delivers through Firebase Cloud Messaging. Targets prefixed with "topic:"
// go to a topic; anything else is a device registration token.
type PushNotifier struct {
	client *messaging.Client
}

func NewPushNotifier(ctx context.Context, credentialsFile string) (*PushNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging client: %w", err)
	}
	return &PushNotifier{client: client}, nil
}

func (p *PushNotifier) Send(ctx context.Context, _ Channel, target, message string) error {
	_, err := p.client.Send(ctx, PushMessage(target, message))
	if err != nil {
		if messaging.IsInvalidArgument(err) || messaging.IsUnregistered(err) {
			return PermanentError{Err: err}
		}
		return fmt.Errorf("send push: %w", err)
	}
	return nil
}

// TechnicianTopic is the push target a technician's devices subscribe to.
func TechnicianTopic(technicianID string) string {
	return "topic:technician-" + technicianID
}

// PushMessage builds the FCM message for target.
func PushMessage(target, message string) *messaging.Message {
	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: Subject(message),
			Body:  message,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if topic, ok := strings.CutPrefix(target, "topic:"); ok {
		msg.Topic = topic
	} else {
		msg.Token = target
	}
	return msg
}
