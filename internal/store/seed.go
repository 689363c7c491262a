package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chat"
)

// Seed is a fixture of orders and users for a server running on the
// in-memory store, where no marketplace database supplies them.
type Seed struct {
	Orders []chat.Order       `json:"orders"`
	Users  []chat.UserSummary `json:"users"`
}

// Validate checks every id is a UUID and every order has a client.
func (s *Seed) Validate() error {
	for i, o := range s.Orders {
		if _, err := uuid.Parse(o.ID); err != nil {
			return fmt.Errorf("store: seed order %d: bad id %q", i, o.ID)
		}
		if _, err := uuid.Parse(o.ClientID); err != nil {
			return fmt.Errorf("store: seed order %s: bad client_id %q", o.ID, o.ClientID)
		}
		if o.ContractorID != "" {
			if _, err := uuid.Parse(o.ContractorID); err != nil {
				return fmt.Errorf("store: seed order %s: bad contractor_id %q", o.ID, o.ContractorID)
			}
		}
	}
	for i, u := range s.Users {
		if _, err := uuid.Parse(u.ID); err != nil {
			return fmt.Errorf("store: seed user %d: bad id %q", i, u.ID)
		}
	}
	return nil
}

// LoadSeed decodes a Seed from r and adds it to the store. Nothing is added
// when the seed is invalid.
func (s *Memory) LoadSeed(r io.Reader) (orders int, err error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("store: decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return 0, err
	}
	for _, o := range seed.Orders {
		s.PutOrder(o)
	}
	for _, u := range seed.Users {
		s.PutUser(u)
	}
	return len(seed.Orders), nil
}

// LoadSeedFile is LoadSeed reading from path.
func (s *Memory) LoadSeedFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("store: open seed: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(f)
}
