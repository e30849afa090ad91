// Package id generates prefixed opaque identifiers.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. The prefix makes an identifier self-describing in logs
// and ledger rows.
const (
	PrefixAgent  = "ag"
	PrefixTask   = "tk"
	PrefixLedger = "le"
	PrefixMatch  = "mt"
	PrefixKey    = "pk"
)

// New returns a fresh identifier of the form "<prefix>-<32 hex chars>".
func New(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewAgent returns a fresh agent identifier.
func NewAgent() string { return New(PrefixAgent) }

// NewTask returns a fresh task identifier.
func NewTask() string { return New(PrefixTask) }

// NewKey returns a fresh API key. The raw key is shown to the caller once
// at registration; only its hash and fingerprint are stored.
func NewKey() string { return New(PrefixKey) }
