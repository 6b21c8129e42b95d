// Package psktls implements a server-side TLS 1.2 handshake and record
// layer restricted to the PSK key-exchange cipher suites required by
// GlobalPlatform SCP81 Amendment B (C9). The standard library's crypto/tls
// has no PSK cipher-suite support, so the wire protocol here is
// implemented directly against crypto/aes, crypto/cipher, crypto/hmac and
// golang.org/x/crypto/hkdf rather than wrapping crypto/tls.
package psktls

import (
	"fmt"
	"sort"

	"github.com/gravitational/trace"
)

// CipherSuite identifies one of the PSK cipher suites SCP81 recognizes.
// The numeric value is the suite's two-byte IANA registry id.
type CipherSuite uint16

const (
	TLS_PSK_WITH_AES_128_CBC_SHA256 CipherSuite = 0x00AE
	TLS_PSK_WITH_AES_128_CBC_SHA    CipherSuite = 0x008C
	TLS_PSK_WITH_3DES_EDE_CBC_SHA   CipherSuite = 0x008B
	TLS_PSK_WITH_NULL_SHA256        CipherSuite = 0x00B0
	TLS_PSK_WITH_NULL_SHA           CipherSuite = 0x002C
)

// suiteInfo describes the record-protection algorithm behind a suite.
type suiteInfo struct {
	name     string
	isNull   bool
	macSize  int
	keySize  int
	blockLen int // 0 for stream/null suites
	cipher   string
}

var suiteRegistry = map[CipherSuite]suiteInfo{
	TLS_PSK_WITH_AES_128_CBC_SHA256: {"TLS_PSK_WITH_AES_128_CBC_SHA256", false, 32, 16, 16, "aes"},
	TLS_PSK_WITH_AES_128_CBC_SHA:    {"TLS_PSK_WITH_AES_128_CBC_SHA", false, 20, 16, 16, "aes"},
	TLS_PSK_WITH_3DES_EDE_CBC_SHA:   {"TLS_PSK_WITH_3DES_EDE_CBC_SHA", false, 20, 24, 8, "3des"},
	TLS_PSK_WITH_NULL_SHA256:        {"TLS_PSK_WITH_NULL_SHA256", true, 32, 0, 0, "null"},
	TLS_PSK_WITH_NULL_SHA:           {"TLS_PSK_WITH_NULL_SHA", true, 20, 0, 0, "null"},
}

// Name returns the suite's IANA name, or a hex fallback for an unknown id.
func (c CipherSuite) Name() string {
	if info, ok := suiteRegistry[c]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN_0x%04X", uint16(c))
}

// IsNull reports whether c provides no encryption (NULL bulk cipher).
func (c CipherSuite) IsNull() bool {
	return suiteRegistry[c].isNull
}

// mandatorySuite is the one suite every policy must enable, per
// GlobalPlatform SCP81 Amendment B.
const mandatorySuite = TLS_PSK_WITH_AES_128_CBC_SHA256

// optionalSuites may be enabled without triggering the NULL-cipher
// startup warning.
var optionalSuites = []CipherSuite{TLS_PSK_WITH_AES_128_CBC_SHA, TLS_PSK_WITH_3DES_EDE_CBC_SHA}

// nullSuites require explicit opt-in.
var nullSuites = []CipherSuite{TLS_PSK_WITH_NULL_SHA256, TLS_PSK_WITH_NULL_SHA}

// Policy is the set of cipher suites a server is willing to negotiate, in
// server-preference order.
type Policy struct {
	suites []CipherSuite
}

// NewPolicy builds a Policy from an explicit suite list, validating it
// against the SCP81 rules: the mandatory suite must be present, and NULL
// suites must be enabled explicitly (they are never included implicitly by
// this constructor).
func NewPolicy(suites []CipherSuite) (*Policy, error) {
	if len(suites) == 0 {
		return nil, trace.BadParameter("cipher policy must enable at least one suite")
	}
	hasMandatory := false
	seen := map[CipherSuite]bool{}
	for _, s := range suites {
		if _, ok := suiteRegistry[s]; !ok {
			return nil, trace.BadParameter("unknown cipher suite 0x%04X", uint16(s))
		}
		if seen[s] {
			return nil, trace.BadParameter("cipher suite %s listed twice", s.Name())
		}
		seen[s] = true
		if s == mandatorySuite {
			hasMandatory = true
		}
	}
	if !hasMandatory {
		return nil, trace.BadParameter("cipher policy must include %s", mandatorySuite.Name())
	}
	return &Policy{suites: append([]CipherSuite(nil), suites...)}, nil
}

// DefaultPolicy enables the mandatory suite plus the two legacy
// non-NULL suites, matching SCP81's recommended baseline. NULL suites are
// never part of the default; they must be requested explicitly.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(append([]CipherSuite{mandatorySuite}, optionalSuites...))
	if err != nil {
		// unreachable: the default list is always valid.
		panic(err)
	}
	return p
}

// EnableNullCiphers returns a new Policy with the NULL-integrity suites
// appended. Callers must treat the returned policy as requiring the
// startup warning banner and per-connection unencrypted-traffic logging.
func (p *Policy) EnableNullCiphers() *Policy {
	suites := append(append([]CipherSuite(nil), p.suites...), nullSuites...)
	return &Policy{suites: suites}
}

// HasNullCiphers reports whether any enabled suite provides no encryption.
func (p *Policy) HasNullCiphers() bool {
	for _, s := range p.suites {
		if s.IsNull() {
			return true
		}
	}
	return false
}

// Enabled returns the policy's suites in server-preference order.
func (p *Policy) Enabled() []CipherSuite {
	return append([]CipherSuite(nil), p.suites...)
}

// Negotiate picks the first suite in the policy's preference order that
// also appears in offered (the client's ClientHello suite list), reporting
// ok=false if none match.
func (p *Policy) Negotiate(offered []CipherSuite) (CipherSuite, bool) {
	offeredSet := map[CipherSuite]bool{}
	for _, s := range offered {
		offeredSet[s] = true
	}
	for _, s := range p.suites {
		if offeredSet[s] {
			return s, true
		}
	}
	return 0, false
}

// String renders the enabled suites for logging, sorted for stable output.
func (p *Policy) String() string {
	names := make([]string, 0, len(p.suites))
	sorted := append([]CipherSuite(nil), p.suites...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, s := range sorted {
		names = append(names, s.Name())
	}
	return fmt.Sprintf("%v", names)
}
