package ingest

import (
	"strings"

	"github.com/cyberinferno/sensor-ingest/config"
)

// sentinelMatcher decides whether a record ends its connection.
//
// Substring matching is what deployed sensor clients rely on: their final
// record and the sentinel can arrive in one read. It also means any record
// containing the token ends the connection and is not logged. Exact matching
// compares the record, minus trailing CR/LF, with the token.
type sentinelMatcher struct {
	token string
	exact bool
}

func newSentinelMatcher(token string, mode string) sentinelMatcher {
	return sentinelMatcher{
		token: token,
		exact: mode == config.MatchExact,
	}
}

func (m sentinelMatcher) matches(payload string) bool {
	if m.exact {
		return strings.TrimRight(payload, "\r\n") == m.token
	}

	return strings.Contains(payload, m.token)
}
