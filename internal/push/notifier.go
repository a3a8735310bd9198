// Package push contains the Web Push notifier.
package push

import (
	"encoding/json"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/pttbox/pttbox/internal/logger"
)

const notificationTTL = 60

// Notifier delivers Web Push notifications to subscribed clients.
// Subscriptions survive disconnects; they are pruned only when the
// push gateway reports them gone.
type Notifier struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	Parent          logger.Writer

	mutex         sync.Mutex
	subscriptions map[string]*webpush.Subscription
}

// Initialize initializes a Notifier.
func (n *Notifier) Initialize() {
	n.subscriptions = make(map[string]*webpush.Subscription)
}

// Log implements logger.Writer.
func (n *Notifier) Log(level logger.Level, format string, args ...interface{}) {
	n.Parent.Log(level, "[push] "+format, args...)
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n.VAPIDPublicKey != "" && n.VAPIDPrivateKey != ""
}

// Subscribe stores the subscription descriptor of a client.
func (n *Notifier) Subscribe(clientID string, raw json.RawMessage) error {
	var sub webpush.Subscription
	err := json.Unmarshal(raw, &sub)
	if err != nil {
		return err
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.subscriptions[clientID] = &sub
	n.Log(logger.Info, "client %s subscribed", clientID)
	return nil
}

// Unsubscribe drops the subscription of a client.
func (n *Notifier) Unsubscribe(clientID string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.subscriptions, clientID)
}

// Count returns the number of stored subscriptions.
func (n *Notifier) Count() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.subscriptions)
}

// NotifyAll sends a payload to every subscriber, pruning the ones
// the gateway rejects as gone. It blocks and is meant to be called
// from its own goroutine.
func (n *Notifier) NotifyAll(payload interface{}) {
	if !n.Enabled() {
		return
	}

	byts, err := json.Marshal(payload)
	if err != nil {
		return
	}

	n.mutex.Lock()
	subs := make(map[string]*webpush.Subscription, len(n.subscriptions))
	for id, sub := range n.subscriptions {
		subs[id] = sub
	}
	n.mutex.Unlock()

	for id, sub := range subs {
		resp, err := webpush.SendNotification(byts, sub, &webpush.Options{
			Subscriber:      n.VAPIDSubject,
			VAPIDPublicKey:  n.VAPIDPublicKey,
			VAPIDPrivateKey: n.VAPIDPrivateKey,
			TTL:             notificationTTL,
		})
		if err != nil {
			n.Log(logger.Warn, "cannot notify %s: %v", id, err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			n.Log(logger.Info, "subscription of %s is gone, pruning", id)
			n.Unsubscribe(id)
		}
	}
}
