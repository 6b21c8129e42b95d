package main

import "testing"

func TestSplitBinding(t *testing.T) {
	cases := []struct {
		in        string
		name, val string
		ok        bool
	}{
		{"IMSI=123456789012345", "IMSI", "123456789012345", true},
		{"NAME=", "NAME", "", true},
		{"no-equals", "", "", false},
		{"A=B=C", "A", "B=C", true},
	}
	for _, c := range cases {
		name, val, ok := splitBinding(c.in)
		if ok != c.ok || name != c.name || val != c.val {
			t.Errorf("splitBinding(%q) = %q, %q, %v; want %q, %q, %v", c.in, name, val, ok, c.name, c.val, c.ok)
		}
	}
}
