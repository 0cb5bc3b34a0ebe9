package storage

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"sync"
	"testing"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut07"
)

var db *BoltDB

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath, err := os.MkdirTemp("", "boltdbtest")
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func randomProofs(keysetId string, amounts []uint64) cashu.Proofs {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		secret := make([]byte, 32)
		rand.Read(secret)
		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     keysetId,
			Secret: hex.EncodeToString(secret),
			C:      hex.EncodeToString(secret),
		}
	}
	return proofs
}

func TestPutAndListProofs(t *testing.T) {
	walletId := "https://testmint.com/sat"
	proofs := randomProofs("keysetid1", []uint64{1, 2, 4, 8})

	if err := db.PutProofs(walletId, proofs, nut07.Unspent); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	unspent, err := db.ListProofs(walletId, nut07.Unspent)
	if err != nil {
		t.Fatalf("error listing proofs: %v", err)
	}
	if len(unspent) != len(proofs) {
		t.Fatalf("expected '%v' proofs but got '%v'", len(proofs), len(unspent))
	}
	if unspent.Amount() != 15 {
		t.Fatalf("expected balance of 15 but got '%v'", unspent.Amount())
	}

	pending, err := db.ListProofs(walletId, nut07.Pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got '%v'", len(pending))
	}
}

func TestWalletIsolation(t *testing.T) {
	satWallet := "https://mint-a.com/sat"
	usdWallet := "https://mint-a.com/usd"
	otherMint := "https://mint-b.com/sat"

	if err := db.PutProofs(satWallet, randomProofs("ks1", []uint64{16, 16}), nut07.Unspent); err != nil {
		t.Fatal(err)
	}
	if err := db.PutProofs(usdWallet, randomProofs("ks2", []uint64{4}), nut07.Unspent); err != nil {
		t.Fatal(err)
	}

	satProofs, _ := db.ListProofs(satWallet, nut07.Unspent)
	if satProofs.Amount() != 32 {
		t.Fatalf("expected balance of 32 but got '%v'", satProofs.Amount())
	}

	usdProofs, _ := db.ListProofs(usdWallet, nut07.Unspent)
	if usdProofs.Amount() != 4 {
		t.Fatalf("expected balance of 4 but got '%v'", usdProofs.Amount())
	}

	otherProofs, _ := db.ListProofs(otherMint, nut07.Unspent)
	if otherProofs.Amount() != 0 {
		t.Fatalf("expected empty wallet but got balance of '%v'", otherProofs.Amount())
	}
}

func TestReserveCommit(t *testing.T) {
	walletId := "https://testmint.com/reserve"
	proofs := randomProofs("keysetid1", []uint64{8, 16, 32})

	if err := db.PutProofs(walletId, proofs, nut07.Unspent); err != nil {
		t.Fatal(err)
	}

	reserved, err := db.Reserve(walletId, proofs.Secrets())
	if err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if !reserved {
		t.Fatal("expected reservation to succeed")
	}

	// reserved proofs are no longer spendable
	unspent, _ := db.ListProofs(walletId, nut07.Unspent)
	if len(unspent) != 0 {
		t.Fatalf("expected no unspent proofs but got '%v'", len(unspent))
	}

	// a second reservation on any of the same proofs must fail without mutating
	reserved, err = db.Reserve(walletId, proofs.Secrets()[:1])
	if err != nil {
		t.Fatal(err)
	}
	if reserved {
		t.Fatal("expected reservation of pending proofs to fail")
	}

	// failed melt: everything back to unspent
	if err := db.Commit(walletId, proofs.Secrets(), nut07.Unspent); err != nil {
		t.Fatalf("error committing proofs: %v", err)
	}
	unspent, _ = db.ListProofs(walletId, nut07.Unspent)
	if unspent.Amount() != 56 {
		t.Fatalf("expected balance of 56 after revert but got '%v'", unspent.Amount())
	}

	// successful melt: reserved proofs become spent and stay recorded
	if reserved, _ = db.Reserve(walletId, proofs.Secrets()); !reserved {
		t.Fatal("expected reservation to succeed after revert")
	}
	if err := db.Commit(walletId, proofs.Secrets(), nut07.Spent); err != nil {
		t.Fatal(err)
	}

	unspent, _ = db.ListProofs(walletId, nut07.Unspent)
	if len(unspent) != 0 {
		t.Fatalf("expected no unspent proofs but got '%v'", len(unspent))
	}
	records, err := db.AllProofs(walletId)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(proofs) {
		t.Fatalf("expected '%v' records retained but got '%v'", len(proofs), len(records))
	}
	for _, record := range records {
		if record.State != nut07.Spent {
			t.Fatalf("expected proof state SPENT but got '%v'", record.State)
		}
	}
}

func TestReservePartialConflict(t *testing.T) {
	walletId := "https://testmint.com/partial"
	proofs := randomProofs("keysetid1", []uint64{1, 2, 4})

	if err := db.PutProofs(walletId, proofs, nut07.Unspent); err != nil {
		t.Fatal(err)
	}

	// reserve just the first proof
	if reserved, _ := db.Reserve(walletId, proofs.Secrets()[:1]); !reserved {
		t.Fatal("expected reservation to succeed")
	}

	// a batch overlapping the reserved proof must fail and leave the
	// other proofs untouched
	reserved, err := db.Reserve(walletId, proofs.Secrets())
	if err != nil {
		t.Fatal(err)
	}
	if reserved {
		t.Fatal("expected overlapping reservation to fail")
	}

	unspent, _ := db.ListProofs(walletId, nut07.Unspent)
	if unspent.Amount() != 6 {
		t.Fatalf("expected balance of 6 but got '%v'", unspent.Amount())
	}
}

// Concurrent reservations over overlapping proof sets must serialize:
// every proof is won by exactly one reservation, the rest fail clean.
func TestReserveConcurrent(t *testing.T) {
	walletId := "https://testmint.com/concurrent"
	proofs := randomProofs("keysetid1", []uint64{1, 2, 4, 8, 16})

	if err := db.PutProofs(walletId, proofs, nut07.Unspent); err != nil {
		t.Fatal(err)
	}

	// overlapping windows over the proof set, plus the full set itself
	secrets := proofs.Secrets()
	batches := [][]string{
		secrets,
		secrets[:3],
		secrets[2:],
		secrets[1:4],
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := make(map[string]int)
	for i := 0; i < 16; i++ {
		batch := batches[i%len(batches)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, err := db.Reserve(walletId, batch)
			if err != nil {
				t.Errorf("error reserving proofs: %v", err)
				return
			}
			if reserved {
				mu.Lock()
				for _, secret := range batch {
					won[secret]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for secret, count := range won {
		if count != 1 {
			t.Errorf("proof '%v' reserved by '%v' winners", secret, count)
		}
	}

	// every proof ended up either pending under its single winner or
	// still unspent, never both
	unspent, err := db.ListProofs(walletId, nut07.Unspent)
	if err != nil {
		t.Fatal(err)
	}
	for _, proof := range unspent {
		if won[proof.Secret] != 0 {
			t.Errorf("proof '%v' both reserved and unspent", proof.Secret)
		}
	}
	pending, err := db.ListProofs(walletId, nut07.Pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != len(won) {
		t.Errorf("expected '%v' pending proofs but got '%v'", len(won), len(pending))
	}
	if len(pending)+len(unspent) != len(proofs) {
		t.Errorf("expected '%v' proofs accounted for but got '%v'",
			len(proofs), len(pending)+len(unspent))
	}
}

func TestCounters(t *testing.T) {
	walletId := "https://testmint.com/counters"
	keysetId := "keysetid1"

	counter, err := db.Counter(walletId, keysetId)
	if err != nil {
		t.Fatal(err)
	}
	if counter != 0 {
		t.Fatalf("expected counter 0 but got '%v'", counter)
	}

	start, err := db.IncrementCounter(walletId, keysetId, 3)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0 {
		t.Fatalf("expected reserved range to start at 0 but got '%v'", start)
	}

	start, err = db.IncrementCounter(walletId, keysetId, 2)
	if err != nil {
		t.Fatal(err)
	}
	if start != 3 {
		t.Fatalf("expected reserved range to start at 3 but got '%v'", start)
	}

	if err := db.SetCounter(walletId, keysetId, 42); err != nil {
		t.Fatal(err)
	}
	counter, _ = db.Counter(walletId, keysetId)
	if counter != 42 {
		t.Fatalf("expected counter 42 but got '%v'", counter)
	}

	// counters are per keyset
	other, _ := db.Counter(walletId, "keysetid2")
	if other != 0 {
		t.Fatalf("expected counter 0 for other keyset but got '%v'", other)
	}
}

func TestWallets(t *testing.T) {
	walletId := "https://listedmint.com/sat"
	if err := db.PutProofs(walletId, randomProofs("ks", []uint64{1}), nut07.Unspent); err != nil {
		t.Fatal(err)
	}

	wallets, err := db.Wallets()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, id := range wallets {
		if id == walletId {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected wallet '%v' in wallet list %v", walletId, wallets)
	}
}
