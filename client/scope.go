package client

import (
	v1 "tether/shared/contracts/sync/v1"
)

// normalizeScope orders the endpoints so (A,B) and (B,A) collapse to the
// same conversation, mirroring the server's storage rule.
func normalizeScope(s v1.Scope) v1.Scope {
	if s.B < s.A {
		s.A, s.B = s.B, s.A
	}
	return s
}

// scopeKey is a map key for one conversation. NUL never appears in
// identities, so the join is unambiguous.
func scopeKey(s v1.Scope) string {
	s = normalizeScope(s)
	return s.A + "\x00" + s.B
}
