// Package stream defines the types and interfaces that connect ariastream to a
// wearable device's live sensor stream.
//
// The two primary abstractions are:
//
//   - [Client]: starts and stops a subscription to the device streams.
//   - [Observer]: receives decoded camera frames and audio packets.
//
// The device protocol, its security handshake and data multiplexing are owned
// by the vendor SDK. Implementations of [Client] (see stream/bridge) only
// forward configuration and deliver what the SDK has already decoded.
//
// This package lives under pkg/ because alternative bridges are expected to
// implement [Client].
package stream

import (
	"context"
	"errors"
)

var (
	// ErrAlreadySubscribed is returned by [Client.Subscribe] when a
	// subscription is already active.
	ErrAlreadySubscribed = errors.New("stream: already subscribed")

	// ErrNotSubscribed is returned by operations that need an active
	// subscription.
	ErrNotSubscribed = errors.New("stream: not subscribed")
)

// Observer receives decoded data from a [Client].
//
// All callbacks for one subscription are invoked from a single goroutine
// owned by the client, never concurrently with each other. Callbacks must not
// block for long: while a callback runs, newer data queues up and the oldest
// queued data is discarded once the per-type queue is full.
type Observer interface {
	// OnImageReceived is called for every RGB, SLAM or eye-tracking frame.
	// img.Pix is owned by the observer once delivered.
	OnImageReceived(img Image, rec ImageRecord)

	// OnAudioReceived is called for every microphone packet.
	OnAudioReceived(pkt AudioPacket, rec AudioRecord)
}

// Client is a streaming session to the device.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Subscribe validates cfg, establishes the connection and starts
	// delivering data to obs. It returns once the subscription has been
	// acknowledged. The supplied ctx governs the connection attempt only.
	//
	// Errors are fatal to the session; there is no automatic reconnect.
	Subscribe(ctx context.Context, cfg SubscriptionConfig, obs Observer) error

	// Unsubscribe stops delivery and releases the connection. It is safe to
	// call more than once; subsequent calls return nil.
	Unsubscribe() error
}

// ObserverFuncs adapts plain functions to [Observer]. Nil fields ignore the
// corresponding callback.
type ObserverFuncs struct {
	Image func(img Image, rec ImageRecord)
	Audio func(pkt AudioPacket, rec AudioRecord)
}

// OnImageReceived implements [Observer].
func (f ObserverFuncs) OnImageReceived(img Image, rec ImageRecord) {
	if f.Image != nil {
		f.Image(img, rec)
	}
}

// OnAudioReceived implements [Observer].
func (f ObserverFuncs) OnAudioReceived(pkt AudioPacket, rec AudioRecord) {
	if f.Audio != nil {
		f.Audio(pkt, rec)
	}
}
