// Package integrity provides tamper-evident hashing for the resource
// ledger: per-transaction content hashes, balance-chain verification, and
// Merkle roots for periodic checkpoints. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
)

// TransactionHash produces a SHA-256 hex digest over the canonical fields
// of a ledger transaction. Each field is encoded with a 4-byte big-endian
// length prefix, so freeform descriptions cannot collide with field
// boundaries.
func TransactionHash(tx model.LedgerTransaction) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(tx.ID.String())
	writeField(tx.AgentID.String())
	writeField(string(tx.Budget))
	writeField(string(tx.Kind))
	writeField(formatAmount(tx.Amount))
	writeField(formatAmount(tx.BalanceAfter))
	writeField(tx.Description)
	if tx.ReferenceID != nil {
		writeField(tx.ReferenceID.String())
	} else {
		writeField("")
	}
	writeField(tx.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyTransactionHash checks a stored hash against the recomputed one.
func VerifyTransactionHash(stored string, tx model.LedgerTransaction) bool {
	return stored == TransactionHash(tx)
}

// formatAmount renders an amount at the ledger's fixed precision so the
// hash input is stable across float formatting quirks.
func formatAmount(v float64) string {
	return strconv.FormatFloat(model.RoundAmount(v), 'f', model.AmountPrecision, 64)
}

// VerifyChain walks one agent+budget transaction sequence in createdAt
// order and returns every violation found: broken balance arithmetic,
// mismatched content hashes, and a final balance that disagrees with the
// agent's stored budget. An empty slice means the chain is sound.
//
// chainTolerance absorbs the float64 representation error of NUMERIC
// values scanned from the store; real corruption is orders of magnitude
// larger than 1e-9.
const chainTolerance = 1e-9

func VerifyChain(txs []model.LedgerTransaction, finalBalance float64) []string {
	var problems []string

	prev := 0.0
	for i, tx := range txs {
		want := model.RoundAmount(prev + tx.Amount)
		if math.Abs(tx.BalanceAfter-want) > chainTolerance {
			problems = append(problems, fmt.Sprintf(
				"tx %s (#%d %s): balance_after %.6f, want %.6f",
				tx.ID, i, tx.Budget, tx.BalanceAfter, want))
		}
		if tx.ContentHash != "" && !VerifyTransactionHash(tx.ContentHash, tx) {
			problems = append(problems, fmt.Sprintf("tx %s (#%d): content hash mismatch", tx.ID, i))
		}
		prev = tx.BalanceAfter
	}

	if len(txs) > 0 && math.Abs(finalBalance-prev) > chainTolerance {
		problems = append(problems, fmt.Sprintf(
			"stored balance %.6f disagrees with final balance_after %.6f", finalBalance, prev))
	}

	return problems
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix is a domain separator for internal Merkle nodes (per RFC 6962),
// so internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be sorted lexicographically by the caller for
// determinism. Empty input returns an empty string; a single leaf is its
// own root. Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// Checkpoint is a Merkle commitment over a window of ledger transactions.
// Consecutive checkpoints chain through PreviousRoot.
type Checkpoint struct {
	ID           uuid.UUID `json:"id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Transactions int       `json:"transactions"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
