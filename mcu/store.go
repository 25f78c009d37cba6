package mcu

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAddressOutOfRange is returned for accesses outside the register file.
	ErrAddressOutOfRange = errors.New("register address out of range")
	// ErrReadOnly is returned when a client write touches the status block.
	ErrReadOnly = errors.New("register is read-only")
)

// Snapshot is a consistent copy of the command block together with the
// store's write generation at the time it was taken.
type Snapshot struct {
	Words      [AxisBlockWords]uint16
	Generation uint64
}

// Equal reports whether two snapshots describe the same command write.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Generation == o.Generation && s.Words == o.Words
}

// Store is the shared holding-register file.
//
// Clients write the command block and read anything; the simulation tick
// reads the command block and writes the status block. One mutex guards the
// whole file so neither side observes a partially applied batch.
type Store struct {
	mu         sync.Mutex
	words      [RegisterCount]uint16
	generation uint64
}

// NewStore returns an empty register file.
func NewStore() *Store {
	return &Store{}
}

func checkRange(address, quantity int) error {
	if quantity <= 0 || address < 0 || address+quantity > RegisterCount {
		return fmt.Errorf("%w: %d+%d", ErrAddressOutOfRange, address, quantity)
	}
	return nil
}

func inStatusBlock(address, quantity int) bool {
	return address < OutputBase+AxisBlockWords && address+quantity > OutputBase
}

func inCommandBlock(address, quantity int) bool {
	return address < InputBase+AxisBlockWords && address+quantity > InputBase
}

// Read returns a copy of quantity registers starting at address.
func (s *Store) Read(address, quantity int) ([]uint16, error) {
	if err := checkRange(address, quantity); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, quantity)
	copy(out, s.words[address:address+quantity])
	return out, nil
}

// Write stores values as one atomic batch on behalf of a client. Writes that
// overlap the status block are rejected as a whole.
func (s *Store) Write(address int, values []uint16) error {
	if err := checkRange(address, len(values)); err != nil {
		return err
	}
	if inStatusBlock(address, len(values)) {
		return fmt.Errorf("%w: %d+%d", ErrReadOnly, address, len(values))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.words[address:], values)
	if inCommandBlock(address, len(values)) {
		s.generation++
	}
	return nil
}

// Commands returns a snapshot of the command block.
func (s *Store) Commands() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	copy(snap.Words[:], s.words[InputBase:InputBase+AxisBlockWords])
	snap.Generation = s.generation
	return snap
}

// StatusBlock returns a copy of the status block.
func (s *Store) StatusBlock() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, AxisBlockWords)
	copy(out, s.words[OutputBase:OutputBase+AxisBlockWords])
	return out
}

// UpdateStatus encodes status into the status block in place.
func (s *Store) UpdateStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	EncodeInto(s.words[OutputBase:OutputBase+AxisBlockWords], status)
}
