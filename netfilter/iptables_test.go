package netfilter

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// fakeTables keeps rules in memory in the order iptables would list them.
type fakeTables struct {
	rules []string
	calls []string
	fail  string // fail calls whose description contains this
}

func (f *fakeTables) key(table, chain string, spec []string) string {
	return table + " " + chain + " " + strings.Join(spec, " ")
}

func (f *fakeTables) call(op, key string) error {
	c := op + " " + key
	f.calls = append(f.calls, c)
	if f.fail != "" && strings.Contains(c, f.fail) {
		return errors.New("iptables: Bad rule (does a matching rule exist in that chain?)")
	}
	return nil
}

func (f *fakeTables) Insert(table, chain string, pos int, spec ...string) error {
	k := f.key(table, chain, spec)
	if err := f.call("insert", k); err != nil {
		return err
	}
	f.rules = append([]string{k}, f.rules...)
	return nil
}

func (f *fakeTables) Delete(table, chain string, spec ...string) error {
	k := f.key(table, chain, spec)
	if err := f.call("delete", k); err != nil {
		return err
	}
	for i, r := range f.rules {
		if r == k {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return errors.New("no such rule")
}

func (f *fakeTables) Exists(table, chain string, spec ...string) (bool, error) {
	k := f.key(table, chain, spec)
	for _, r := range f.rules {
		if r == k {
			return true, nil
		}
	}
	return false, nil
}

func TestRuleSpec(t *testing.T) {
	r := Rule{
		Table:       "nat",
		Chain:       "PREROUTING",
		InInterface: "wlan0",
		Protocol:    "udp",
		DestPort:    53,
		Target:      "DNAT",
		ToDest:      "192.168.4.1:53",
	}
	want := []string{"-p", "udp", "-i", "wlan0", "--dport", "53", "-j", "DNAT", "--to-destination", "192.168.4.1:53"}
	if got := r.spec(); !reflect.DeepEqual(got, want) {
		t.Errorf("spec = %v\nwant %v", got, want)
	}
	if r.table() != "nat" {
		t.Errorf("table = %q", r.table())
	}

	accept := Rule{Chain: "INPUT", Protocol: "tcp", DestPort: 80, Target: "ACCEPT"}
	want = []string{"-p", "tcp", "--dport", "80", "-j", "ACCEPT"}
	if got := accept.spec(); !reflect.DeepEqual(got, want) {
		t.Errorf("spec = %v\nwant %v", got, want)
	}
	if accept.table() != "filter" {
		t.Errorf("default table = %q, want filter", accept.table())
	}
}

func TestManagerRemovesInReverseOrder(t *testing.T) {
	f := &fakeTables{}
	m := NewManager(f)

	if err := m.RedirectToHost("wlan0", "udp", 53, "192.168.4.1", 53); err != nil {
		t.Fatal(err)
	}
	if err := m.Allow("wlan0", "tcp", 80); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Rules()); n != 2 {
		t.Fatalf("Rules() has %d entries, want 2", n)
	}

	if err := m.RemoveAllRules(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"insert nat PREROUTING -p udp -i wlan0 --dport 53 -j DNAT --to-destination 192.168.4.1:53",
		"insert filter INPUT -p tcp -i wlan0 --dport 80 -j ACCEPT",
		"delete filter INPUT -p tcp -i wlan0 --dport 80 -j ACCEPT",
		"delete nat PREROUTING -p udp -i wlan0 --dport 53 -j DNAT --to-destination 192.168.4.1:53",
	}
	if !reflect.DeepEqual(f.calls, want) {
		t.Errorf("calls:\n%s\nwant:\n%s", strings.Join(f.calls, "\n"), strings.Join(want, "\n"))
	}
	if len(f.rules) != 0 || len(m.Rules()) != 0 {
		t.Errorf("rules remain after RemoveAllRules: %v", f.rules)
	}
}

func TestManagerSkipsExistingRule(t *testing.T) {
	f := &fakeTables{}
	other := NewManager(f)
	if err := other.Allow("wlan0", "udp", 67); err != nil {
		t.Fatal(err)
	}

	m := NewManager(f)
	if err := m.Allow("wlan0", "udp", 67); err != nil {
		t.Fatal(err)
	}
	if len(m.Rules()) != 0 {
		t.Error("rule owned by another manager was tracked")
	}
	if err := m.RemoveAllRules(); err != nil {
		t.Fatal(err)
	}
	if len(f.rules) != 1 {
		t.Errorf("pre-existing rule removed: %v", f.rules)
	}
}

func TestManagerAddFailureIsNotTracked(t *testing.T) {
	f := &fakeTables{fail: "DNAT"}
	m := NewManager(f)

	err := m.RedirectToHost("wlan0", "tcp", 80, "192.168.4.1", 80)
	if err == nil || !strings.Contains(err.Error(), "Bad rule") {
		t.Fatalf("RedirectToHost = %v, want failure carrying the iptables error", err)
	}
	if len(m.Rules()) != 0 {
		t.Error("failed rule was tracked")
	}
}

func TestRemoveAllRulesContinuesPastFailure(t *testing.T) {
	f := &fakeTables{}
	m := NewManager(f)
	m.Allow("wlan0", "udp", 67)
	m.RedirectToHost("wlan0", "udp", 53, "192.168.4.1", 53)

	f.fail = "delete nat"
	if err := m.RemoveAllRules(); err == nil {
		t.Error("RemoveAllRules hid the failure")
	}
	last := f.calls[len(f.calls)-1]
	if !strings.HasPrefix(last, "delete filter INPUT") {
		t.Errorf("last call = %q, want removal of the INPUT rule", last)
	}
}
