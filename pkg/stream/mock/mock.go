// Package mock provides an in-memory implementation of [stream.Client] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes Emit helpers
// that invoke the registered observer as the real client's dispatch goroutine
// would.
//
// Typical usage:
//
//	c := &mock.Client{}
//	_ = c.Subscribe(ctx, cfg, observer)
//	c.EmitImage(img, stream.ImageRecord{CameraID: stream.CameraRGB})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ariastream/pkg/stream"
)

var _ stream.Client = (*Client)(nil)

// Client is a mock implementation of [stream.Client].
// Set the exported error fields before use; inspect the Call* fields after.
type Client struct {
	mu sync.Mutex

	// SubscribeError is returned by [Client.Subscribe].
	SubscribeError error

	// UnsubscribeError is returned by [Client.Unsubscribe].
	UnsubscribeError error

	// SubscribeCalls records the configuration of every Subscribe call.
	SubscribeCalls []stream.SubscriptionConfig

	// CallCountUnsubscribe records how many times Unsubscribe was called.
	CallCountUnsubscribe int

	observer   stream.Observer
	subscribed bool
}

// Subscribe implements [stream.Client]. The observer is stored only when
// SubscribeError is nil.
func (c *Client) Subscribe(_ context.Context, cfg stream.SubscriptionConfig, obs stream.Observer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls = append(c.SubscribeCalls, cfg)
	if c.SubscribeError != nil {
		return c.SubscribeError
	}
	if c.subscribed {
		return stream.ErrAlreadySubscribed
	}
	c.observer = obs
	c.subscribed = true
	return nil
}

// Unsubscribe implements [stream.Client].
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountUnsubscribe++
	c.subscribed = false
	c.observer = nil
	return c.UnsubscribeError
}

// Subscribed reports whether a subscription is active.
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// EmitImage delivers img to the registered observer. It is a no-op when not
// subscribed.
func (c *Client) EmitImage(img stream.Image, rec stream.ImageRecord) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs.OnImageReceived(img, rec)
	}
}

// EmitAudio delivers pkt to the registered observer. It is a no-op when not
// subscribed.
func (c *Client) EmitAudio(pkt stream.AudioPacket, rec stream.AudioRecord) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs.OnAudioReceived(pkt, rec)
	}
}
