// Package netfilter opens the UDP port range the device streams to.
//
// Streaming over Wi-Fi delivers data on UDP ports 7000-8000. Hosts with a
// restrictive INPUT policy drop those packets, so the commands can append an
// ACCEPT rule before subscribing. Only Linux is supported.
package netfilter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnsupported is returned on platforms without iptables.
var ErrUnsupported = errors.New("netfilter: iptables rules are only supported on linux")

const (
	table = "filter"
	chain = "INPUT"
)

// StreamRule is the rule spec accepting device stream traffic.
var StreamRule = []string{"-p", "udp", "-m", "udp", "--dport", "7000:8000", "-j", "ACCEPT"}

// ruleTable is the subset of go-iptables used here.
type ruleTable interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	AppendUnique(table, chain string, rulespec ...string) error
}

// UpdateIPTables appends [StreamRule] to the INPUT chain unless it is already
// present. It needs root privileges.
func UpdateIPTables(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := newTable()
	if err != nil {
		return err
	}
	return apply(t)
}

func apply(t ruleTable) error {
	exists, err := t.Exists(table, chain, StreamRule...)
	if err != nil {
		return fmt.Errorf("netfilter: check rule: %w", err)
	}
	if exists {
		slog.Info("netfilter: stream rule already present", "chain", chain)
		return nil
	}
	if err := t.AppendUnique(table, chain, StreamRule...); err != nil {
		return fmt.Errorf("netfilter: append rule: %w", err)
	}
	slog.Info("netfilter: accepted udp stream ports", "chain", chain, "ports", "7000:8000")
	return nil
}
