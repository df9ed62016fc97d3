// Package netfilter installs the iptables rules that steer access point
// clients to the portal and removes them again when the session ends.
package netfilter

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

// Rule represents an iptables rule with its components
type Rule struct {
	Table       string // nat, filter, ...
	Chain       string // PREROUTING, INPUT, ...
	Protocol    string // tcp, udp (optional)
	Destination string // optional
	InInterface string // optional
	DestPort    int    // optional
	Target      string // ACCEPT, DNAT, REDIRECT, ...
	ToDest      string // --to-destination for DNAT (optional)
}

func (r Rule) table() string {
	if r.Table == "" {
		return "filter"
	}
	return r.Table
}

// spec returns the match and target part of the rule, shared by insertion,
// lookup and deletion.
func (r Rule) spec() []string {
	var spec []string
	if r.Protocol != "" {
		spec = append(spec, "-p", r.Protocol)
	}
	if r.Destination != "" {
		spec = append(spec, "-d", r.Destination)
	}
	if r.InInterface != "" {
		spec = append(spec, "-i", r.InInterface)
	}
	if r.DestPort > 0 {
		spec = append(spec, "--dport", strconv.Itoa(r.DestPort))
	}
	spec = append(spec, "-j", r.Target)
	if r.ToDest != "" {
		spec = append(spec, "--to-destination", r.ToDest)
	}
	return spec
}

// Tables is the part of *iptables.IPTables the manager uses.
type Tables interface {
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
}

// Manager is responsible for managing iptables rules safely
type Manager struct {
	ipt        Tables
	rules      []Rule     // rules added by this manager, in order
	rulesMutex sync.Mutex // protects rules
}

// NewManager creates a manager that applies rules through ipt.
func NewManager(ipt Tables) *Manager {
	return &Manager{ipt: ipt}
}

// NewSystemManager creates a manager for the host's IPv4 tables.
func NewSystemManager() (*Manager, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to open iptables: %w", err)
	}
	return NewManager(ipt), nil
}

// AddRule inserts rule at the head of its chain and remembers it for removal.
// A rule that is already present is left alone and not tracked.
func (m *Manager) AddRule(rule Rule) error {
	exists, err := m.ipt.Exists(rule.table(), rule.Chain, rule.spec()...)
	if err != nil {
		return fmt.Errorf("failed to check iptables rule: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.ipt.Insert(rule.table(), rule.Chain, 1, rule.spec()...); err != nil {
		return fmt.Errorf("failed to add iptables rule: %w", err)
	}

	m.rulesMutex.Lock()
	m.rules = append(m.rules, rule)
	m.rulesMutex.Unlock()
	return nil
}

// RemoveRule removes a specific rule from iptables
func (m *Manager) RemoveRule(rule Rule) error {
	if err := m.ipt.Delete(rule.table(), rule.Chain, rule.spec()...); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %w", err)
	}
	return nil
}

// RemoveAllRules removes every rule added by this manager, newest first. It
// keeps going past failures and returns the first one.
func (m *Manager) RemoveAllRules() error {
	m.rulesMutex.Lock()
	defer m.rulesMutex.Unlock()

	var first error
	for i := len(m.rules) - 1; i >= 0; i-- {
		if err := m.RemoveRule(m.rules[i]); err != nil && first == nil {
			first = err
		}
	}
	m.rules = nil
	return first
}

// Rules returns the rules currently installed by this manager.
func (m *Manager) Rules() []Rule {
	m.rulesMutex.Lock()
	defer m.rulesMutex.Unlock()
	return append([]Rule(nil), m.rules...)
}

// RedirectToHost redirects traffic arriving on inInterface for port to
// hostIP:hostPort.
func (m *Manager) RedirectToHost(inInterface string, proto string, port int, hostIP string, hostPort int) error {
	return m.AddRule(Rule{
		Table:       "nat",
		Chain:       "PREROUTING",
		InInterface: inInterface,
		Protocol:    proto,
		DestPort:    port,
		Target:      "DNAT",
		ToDest:      fmt.Sprintf("%s:%d", hostIP, hostPort),
	})
}

// Allow accepts inbound proto traffic to port on inInterface.
func (m *Manager) Allow(inInterface string, proto string, port int) error {
	return m.AddRule(Rule{
		Chain:       "INPUT",
		InInterface: inInterface,
		Protocol:    proto,
		DestPort:    port,
		Target:      "ACCEPT",
	})
}
