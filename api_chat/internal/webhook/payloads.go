package webhook

import "encoding/json"

// Message type header values the Dispatcher classifies against.
const (
	TypeVerification = "webhook_callback_verification"
	TypeNotification = "notification"
	TypeRevocation    = "revocation"
)

// Subscription types the provider notifies about.
const (
	SubscriptionOnline  = "stream.online"
	SubscriptionOffline = "stream.offline"
)

// subscriptionRef identifies which broadcaster/type a callback concerns.
type subscriptionRef struct {
	Type      string `json:"type"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
}

// verificationBody is the payload for webhook_callback_verification.
type verificationBody struct {
	Challenge    string          `json:"challenge"`
	Subscription subscriptionRef `json:"subscription"`
}

// notificationBody is the payload for notification callbacks.
type notificationBody struct {
	Subscription subscriptionRef `json:"subscription"`
	Event        struct {
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		BroadcasterUserID    string `json:"broadcaster_user_id"`
	} `json:"event"`
}

// revocationBody is the payload for revocation callbacks.
type revocationBody struct {
	Subscription subscriptionRef `json:"subscription"`
}

func decode[T any](body []byte) (T, error) {
	var v T
	err := json.Unmarshal(body, &v)
	return v, err
}
