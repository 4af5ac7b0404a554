//go:build !linux

package netfilter

func newTable() (ruleTable, error) {
	return nil, ErrUnsupported
}
