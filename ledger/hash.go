/*
hash.go - Per-transaction record digest and chain verification

PURPOSE:
  Every committed transaction carries a SHA-256 digest over a canonical
  tuple, linked to its predecessor by prev_hash. The chain makes the
  append-only history tamper-evident: rewriting any record breaks every
  digest after it.

CANONICAL TUPLE (on-disk contract, do not reorder):

  sequence | account_id | amount | operation_type | description | timestamp | prev_hash

  - amount: normalized 2-decimal string ("10.00")
  - description: empty string when absent
  - timestamp: RFC-3339 UTC with microseconds ("2006-01-02T15:04:05.000000Z")
  - prev_hash: record_hash of sequence-1, "" for the first record

  Timestamps are truncated to microseconds before the write so the
  stored value and any later recomputation serialize identically.

SEE ALSO:
  - integrity.go: full-chain verification and the periodic monitor
*/
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// hashTimeLayout is the canonical timestamp serialization.
const hashTimeLayout = "2006-01-02T15:04:05.000000Z"

// CanonicalTimestamp truncates t to microseconds in UTC. Applied once,
// before the transaction row is written.
func CanonicalTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// RecordHash computes the SHA-256 digest of the canonical tuple.
func RecordHash(sequence int64, accountID int64, amount Money, op OperationType, description string, timestamp time.Time, prevHash string) string {
	raw := strings.Join([]string{
		strconv.FormatInt(sequence, 10),
		strconv.FormatInt(accountID, 10),
		amount.String(),
		string(op),
		description,
		timestamp.UTC().Format(hashTimeLayout),
		prevHash,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TransactionHash recomputes the digest of an existing record.
func TransactionHash(tx *Transaction) string {
	return RecordHash(tx.Sequence, tx.AccountID, tx.Amount, tx.OperationType,
		tx.Description, tx.Timestamp, tx.PrevHash)
}

// VerifyChain walks committed transactions in ascending sequence order,
// recomputing each digest against the running previous hash, and checks
// the zero-sum invariant using postingSums (transaction id -> sum).
// It returns the first offending record or an OK report.
func VerifyChain(txs []Transaction, postingSums map[int64]Money) IntegrityReport {
	prevHash := ""
	for i := range txs {
		tx := &txs[i]
		if sum, ok := postingSums[tx.ID]; ok && !sum.IsZero() {
			return IntegrityReport{OK: false, TxID: tx.ID, Reason: ReasonPostingsImbalance}
		}
		expected := RecordHash(tx.Sequence, tx.AccountID, tx.Amount, tx.OperationType,
			tx.Description, tx.Timestamp, prevHash)
		if tx.RecordHash != expected || tx.PrevHash != prevHash {
			return IntegrityReport{OK: false, TxID: tx.ID, Reason: ReasonHashMismatch}
		}
		prevHash = tx.RecordHash
	}
	return IntegrityReport{OK: true, Count: len(txs)}
}
