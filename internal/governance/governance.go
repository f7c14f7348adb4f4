// Package governance implements the N-of-M owner set that authorises every
// sensitive operation of the sale.
//
// An operation is identified by the Keccak256 hash of its name and RLP encoded
// arguments. Owners confirm operations one call at a time; the call that brings
// an operation to the threshold executes it, inside the same chain operation.
package governance

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/errs"
)

const DefaultThreshold = 2

// Operation is a confirmable action. Execute runs exactly once, when the
// threshold is met.
type Operation struct {
	Name    string
	Payload []byte
	Execute func() error
}

func (op Operation) Hash() common.Hash {
	return crypto.Keccak256Hash([]byte(op.Name), op.Payload)
}

// NewOperation encodes args as the operation payload.
func NewOperation(name string, execute func() error, args ...interface{}) (Operation, error) {
	payload, err := Payload(args...)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Operation{Name: name, Payload: payload, Execute: execute}, nil
}

// Payload RLP encodes the arguments of an operation.
func Payload(args ...interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	return rlp.EncodeToBytes(args)
}

// PendingOperation is an operation waiting for more confirmations.
type PendingOperation struct {
	Hash          common.Hash
	Name          string
	Payload       []byte
	Confirmations []common.Address
}

type voteKey struct {
	owner common.Address
	name  string
}

type Set struct {
	owners    []common.Address
	index     map[common.Address]struct{}
	threshold int
	pending   map[common.Hash]*PendingOperation
	votes     map[voteKey]common.Hash
}

func New(owners []common.Address, threshold int) (*Set, error) {
	if len(owners) == 0 {
		return nil, errors.New("governance: no owners")
	}
	if threshold < 1 || threshold > len(owners) {
		return nil, fmt.Errorf("governance: threshold %d out of range 1..%d", threshold, len(owners))
	}

	index := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		if owner == (common.Address{}) {
			return nil, errors.New("governance: zero owner address")
		}
		if _, dup := index[owner]; dup {
			return nil, fmt.Errorf("governance: duplicate owner %s", owner.Hex())
		}
		index[owner] = struct{}{}
	}

	return &Set{
		owners:    append([]common.Address(nil), owners...),
		index:     index,
		threshold: threshold,
		pending:   make(map[common.Hash]*PendingOperation),
		votes:     make(map[voteKey]common.Hash),
	}, nil
}

func (s *Set) Owners() []common.Address {
	return append([]common.Address(nil), s.owners...)
}

func (s *Set) Threshold() int {
	return s.threshold
}

func (s *Set) IsOwner(addr common.Address) bool {
	_, ok := s.index[addr]
	return ok
}

// Confirm records caller's confirmation of op and executes op once the
// threshold is met. It reports whether op executed during this call.
//
// A caller confirming a different payload under the same operation name
// withdraws their earlier confirmation. Repeating an identical confirmation
// is a no-op.
func (s *Set) Confirm(tx *chain.Tx, caller common.Address, op Operation) (bool, error) {
	if !s.IsOwner(caller) {
		return false, fmt.Errorf("%w: %s is not an owner", errs.ErrUnauthorized, caller.Hex())
	}

	hash := op.Hash()
	key := voteKey{owner: caller, name: op.Name}
	logger := log.WithFields(log.Fields{
		"operation": op.Name,
		"hash":      hash.Hex(),
		"owner":     caller.Hex(),
	})

	if prev, ok := s.votes[key]; ok {
		if prev == hash {
			logger.Debug("operation already confirmed by owner")
			return false, nil
		}
		s.withdraw(tx, caller, prev)
		chain.DeleteKey(tx, s.votes, key)
	}

	next := PendingOperation{Hash: hash, Name: op.Name, Payload: bytes.Clone(op.Payload)}
	existing := s.pending[hash]
	if existing != nil {
		next.Confirmations = append(next.Confirmations, existing.Confirmations...)
	}
	next.Confirmations = append(next.Confirmations, caller)

	if len(next.Confirmations) < s.threshold {
		chain.SetKey(tx, s.pending, hash, &next)
		chain.SetKey(tx, s.votes, key, hash)
		logger.WithField("confirmations", len(next.Confirmations)).Debug("operation confirmed")
		return false, nil
	}

	chain.DeleteKey(tx, s.pending, hash)
	for _, owner := range next.Confirmations {
		k := voteKey{owner: owner, name: op.Name}
		if s.votes[k] == hash {
			chain.DeleteKey(tx, s.votes, k)
		}
	}

	logger.Info("executing confirmed operation")
	if op.Execute != nil {
		if err := op.Execute(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Set) withdraw(tx *chain.Tx, owner common.Address, hash common.Hash) {
	rec, ok := s.pending[hash]
	if !ok {
		return
	}
	kept := make([]common.Address, 0, len(rec.Confirmations))
	for _, c := range rec.Confirmations {
		if c != owner {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		chain.DeleteKey(tx, s.pending, hash)
		return
	}
	updated := *rec
	updated.Confirmations = kept
	chain.SetKey(tx, s.pending, hash, &updated)
}

// Pending lists the operations still waiting for confirmations, ordered by
// name and hash.
func (s *Set) Pending() []PendingOperation {
	out := make([]PendingOperation, 0, len(s.pending))
	for _, rec := range s.pending {
		cp := *rec
		cp.Payload = bytes.Clone(rec.Payload)
		cp.Confirmations = append([]common.Address(nil), rec.Confirmations...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}
