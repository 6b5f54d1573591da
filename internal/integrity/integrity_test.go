package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
)

func sampleTx() model.LedgerTransaction {
	return model.LedgerTransaction{
		ID:           uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		AgentID:      uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Budget:       model.BudgetCompute,
		Amount:       -0.01,
		Kind:         model.TxComputeCost,
		Description:  "cycle 4 oracle call",
		BalanceAfter: 9.99,
		CreatedAt:    time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestTransactionHash_Deterministic(t *testing.T) {
	tx := sampleTx()

	h1 := TransactionHash(tx)
	h2 := TransactionHash(tx)

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256, got %d chars", len(h1))
	}
}

func TestTransactionHash_DifferentInputs(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.Amount = -0.02
	b.BalanceAfter = 9.98

	if TransactionHash(a) == TransactionHash(b) {
		t.Fatal("different amounts should produce different hashes")
	}

	c := sampleTx()
	ref := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	c.ReferenceID = &ref
	if TransactionHash(a) == TransactionHash(c) {
		t.Fatal("reference id should participate in the hash")
	}
}

func TestVerifyTransactionHash(t *testing.T) {
	tx := sampleTx()
	hash := TransactionHash(tx)

	if !VerifyTransactionHash(hash, tx) {
		t.Fatal("verification should succeed for matching inputs")
	}

	tampered := tx
	tampered.Description = "rewritten history"
	if VerifyTransactionHash(hash, tampered) {
		t.Fatal("verification should fail after tampering")
	}
	if VerifyTransactionHash("bogus", tx) {
		t.Fatal("verification should fail for a bogus stored hash")
	}
}

func chainOf(amounts ...float64) []model.LedgerTransaction {
	agentID := uuid.New()
	txs := make([]model.LedgerTransaction, len(amounts))
	bal := 0.0
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, amt := range amounts {
		bal = model.RoundAmount(bal + amt)
		txs[i] = model.LedgerTransaction{
			ID:           uuid.New(),
			AgentID:      agentID,
			Budget:       model.BudgetCompute,
			Amount:       amt,
			Kind:         model.TxIncome,
			BalanceAfter: bal,
			CreatedAt:    at.Add(time.Duration(i) * time.Second),
		}
		txs[i].ContentHash = TransactionHash(txs[i])
	}
	return txs
}

func TestVerifyChain_Sound(t *testing.T) {
	txs := chainOf(10, -0.01, -2, 1.5)
	if problems := VerifyChain(txs, 9.49); len(problems) != 0 {
		t.Fatalf("sound chain reported problems: %v", problems)
	}
}

func TestVerifyChain_BrokenArithmetic(t *testing.T) {
	txs := chainOf(10, -0.01)
	txs[1].BalanceAfter = 9.5
	txs[1].ContentHash = TransactionHash(txs[1])

	problems := VerifyChain(txs, 9.5)
	if len(problems) == 0 {
		t.Fatal("broken balance arithmetic should be reported")
	}
}

func TestVerifyChain_TamperedHash(t *testing.T) {
	txs := chainOf(10, -0.01)
	txs[0].Description = "edited"

	problems := VerifyChain(txs, 9.99)
	if len(problems) == 0 {
		t.Fatal("hash mismatch should be reported")
	}
}

func TestVerifyChain_StoredBalanceDisagrees(t *testing.T) {
	txs := chainOf(10, -0.01)
	problems := VerifyChain(txs, 5.0)
	if len(problems) == 0 {
		t.Fatal("stored balance mismatch should be reported")
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	if problems := VerifyChain(nil, 42); len(problems) != 0 {
		t.Fatalf("empty chain should be vacuously sound, got %v", problems)
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	if root := BuildMerkleRoot(nil); root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	if root := BuildMerkleRoot([]string{"abc123"}); root != "abc123" {
		t.Fatalf("single leaf should be the root, got %q", root)
	}
}

func TestBuildMerkleRoot_Deterministic(t *testing.T) {
	leaves := []string{"hash_a", "hash_b", "hash_c", "hash_d"}

	r1 := BuildMerkleRoot(leaves)
	r2 := BuildMerkleRoot(leaves)

	if r1 != r2 {
		t.Fatalf("Merkle root not deterministic: %q != %q", r1, r2)
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	if BuildMerkleRoot([]string{"a", "b", "c"}) == BuildMerkleRoot([]string{"b", "a", "c"}) {
		t.Fatal("different leaf ordering should produce different roots")
	}
}

func TestBuildMerkleRoot_OddLeafCount(t *testing.T) {
	root := BuildMerkleRoot([]string{"x", "y", "z"})
	if len(root) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(root))
	}
}
