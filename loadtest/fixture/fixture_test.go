package fixture

import (
	"bytes"
	"context"
	"testing"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/store"
)

func TestPairAt_Deterministic(t *testing.T) {
	a, b := PairAt(7), PairAt(7)
	if a != b {
		t.Fatalf("PairAt(7) differs between calls: %+v vs %+v", a, b)
	}
	if a == PairAt(8) {
		t.Fatal("distinct indexes produced the same pair")
	}
	if a.ClientID == a.ContractorID {
		t.Fatal("client and contractor share an id")
	}
}

func TestWriteSeed_LoadsIntoMemoryStore(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSeed(&buf, 3); err != nil {
		t.Fatalf("WriteSeed: %v", err)
	}

	m := store.NewMemory()
	n, err := m.LoadSeed(&buf)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if n != 3 {
		t.Fatalf("orders = %d, want 3", n)
	}

	p := PairAt(2)
	o, err := m.GetOrder(context.Background(), p.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !o.IsParticipant(p.ClientID) || !o.IsParticipant(p.ContractorID) {
		t.Fatalf("order %+v does not match pair %+v", o, p)
	}
}

func TestSigner_TokenVerifies(t *testing.T) {
	s := Signer{Secret: "s3cret", Issuer: "order-chat"}
	p := PairAt(0)

	tok, err := s.Token(p.ClientID, "client")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	id, err := auth.NewJWTVerifier("s3cret", "order-chat").Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != p.ClientID || id.Role != "client" {
		t.Fatalf("identity = %+v", id)
	}
}
