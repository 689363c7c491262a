// Package fixture generates the orders and credentials a load test runs
// against. Ids are derived from the pair index, so a seed written for the
// server and the ids a load run computes agree without sharing state.
package fixture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/store"
)

var namespace = uuid.MustParse("6f1c1b5e-3a52-4f0e-9a59-7f1f4d6b2c10")

// Pair is one order with its two participants.
type Pair struct {
	OrderID      string
	ClientID     string
	ContractorID string
}

// PairAt returns the pair with index i.
func PairAt(i int) Pair {
	return Pair{
		OrderID:      uuid.NewSHA1(namespace, []byte(fmt.Sprintf("order-%d", i))).String(),
		ClientID:     uuid.NewSHA1(namespace, []byte(fmt.Sprintf("client-%d", i))).String(),
		ContractorID: uuid.NewSHA1(namespace, []byte(fmt.Sprintf("contractor-%d", i))).String(),
	}
}

// Seed builds the seed for pairs 0..n-1.
func Seed(n int) store.Seed {
	seed := store.Seed{
		Orders: make([]chat.Order, 0, n),
		Users:  make([]chat.UserSummary, 0, 2*n),
	}
	for i := 0; i < n; i++ {
		p := PairAt(i)
		seed.Orders = append(seed.Orders, chat.Order{
			ID:           p.OrderID,
			ClientID:     p.ClientID,
			ContractorID: p.ContractorID,
		})
		seed.Users = append(seed.Users,
			chat.UserSummary{ID: p.ClientID, DisplayName: fmt.Sprintf("client %d", i)},
			chat.UserSummary{ID: p.ContractorID, DisplayName: fmt.Sprintf("contractor %d", i)},
		)
	}
	return seed
}

// WriteSeed encodes the seed for pairs 0..n-1 to w.
func WriteSeed(w io.Writer, n int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Seed(n))
}

// WriteSeedFile is WriteSeed to path.
func WriteSeedFile(path string, n int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSeed(f, n); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Signer mints handshake tokens the server's verifier accepts.
type Signer struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Token signs a token for userID.
func (s Signer) Token(userID, role string) (string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return auth.MakeToken(userID, role, s.Secret, s.Issuer, ttl)
}
