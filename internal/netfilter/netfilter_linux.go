//go:build linux

package netfilter

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

func newTable() (ruleTable, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("netfilter: %w", err)
	}
	return ipt, nil
}
