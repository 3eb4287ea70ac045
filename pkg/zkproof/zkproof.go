// Package zkproof verifies Groth16 proofs over BN254 against registered
// circuit verifying keys. Verification is fail-closed: any malformed
// proof, unknown circuit, or public-input mismatch yields false rather
// than an error the caller could mistake for a transient fault.
package zkproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

var (
	// ErrCircuitExists is returned when registering a circuit ID twice.
	ErrCircuitExists = errors.New("zkproof: circuit already registered")
	// ErrInvalidVerifyingKey is returned when a verifying key cannot be
	// deserialized at registration time.
	ErrInvalidVerifyingKey = errors.New("zkproof: invalid verifying key")
)

// Proof is a Groth16 proof submitted for a completed computation,
// binding the claimed result hash to the circuit's public inputs.
type Proof struct {
	CircuitID    string   `json:"circuit_id"`
	ProofBytes   []byte   `json:"proof"`
	PublicInputs []string `json:"public_inputs"`
	ResultHash   string   `json:"result_hash"`
}

// Verifier decides whether a proof is acceptable. Implementations must
// be fail-closed: false on anything other than a valid proof.
type Verifier interface {
	Verify(ctx context.Context, p Proof) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, p Proof) bool

func (f VerifierFunc) Verify(ctx context.Context, p Proof) bool { return f(ctx, p) }

type circuit struct {
	vk             groth16.VerifyingKey
	publicInputLen int
}

// Groth16Verifier holds verifying keys for known circuits and checks
// submitted proofs against them.
type Groth16Verifier struct {
	mu       sync.RWMutex
	circuits map[string]circuit
	logger   *slog.Logger
}

// NewGroth16Verifier returns a verifier with no circuits registered.
func NewGroth16Verifier() *Groth16Verifier {
	return &Groth16Verifier{
		circuits: make(map[string]circuit),
		logger:   slog.Default().With("component", "zkproof"),
	}
}

// RegisterCircuit deserializes and stores a verifying key under the
// given circuit ID. publicInputLen is the number of public inputs the
// circuit expects; proofs carrying a different count are rejected
// without touching the pairing check.
func (v *Groth16Verifier) RegisterCircuit(id string, vkBytes []byte, publicInputLen int) error {
	if id == "" {
		return errors.New("zkproof: circuit id must not be empty")
	}
	if publicInputLen < 1 {
		return errors.New("zkproof: circuit must have at least one public input")
	}

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVerifyingKey, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.circuits[id]; ok {
		return ErrCircuitExists
	}
	v.circuits[id] = circuit{vk: vk, publicInputLen: publicInputLen}
	return nil
}

// Circuits returns the registered circuit IDs.
func (v *Groth16Verifier) Circuits() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.circuits))
	for id := range v.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Verify checks p against the registered verifying key for its circuit.
// Any failure mode (unknown circuit, malformed proof bytes, arity
// mismatch, unparseable public input, pairing failure) returns false.
func (v *Groth16Verifier) Verify(ctx context.Context, p Proof) bool {
	start := time.Now()

	v.mu.RLock()
	c, ok := v.circuits[p.CircuitID]
	v.mu.RUnlock()
	if !ok {
		v.logger.Warn("proof for unknown circuit rejected", "circuit_id", p.CircuitID)
		return false
	}
	if len(p.PublicInputs) != c.publicInputLen {
		v.logger.Warn("proof public input arity mismatch",
			"circuit_id", p.CircuitID,
			"got", len(p.PublicInputs),
			"want", c.publicInputLen)
		return false
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(p.ProofBytes)); err != nil {
		v.logger.Warn("proof deserialization failed", "circuit_id", p.CircuitID, "error", err)
		return false
	}

	pubWitness, err := buildPublicWitness(p.PublicInputs)
	if err != nil {
		v.logger.Warn("public witness construction failed", "circuit_id", p.CircuitID, "error", err)
		return false
	}

	if err := groth16.Verify(proof, c.vk, pubWitness); err != nil {
		v.logger.Warn("proof rejected",
			"circuit_id", p.CircuitID,
			"duration_ms", time.Since(start).Milliseconds())
		return false
	}

	v.logger.Info("proof verified",
		"circuit_id", p.CircuitID,
		"result_hash", p.ResultHash,
		"duration_ms", time.Since(start).Milliseconds())
	return true
}

// buildPublicWitness parses decimal field-element strings into a
// public-only witness over the BN254 scalar field.
func buildPublicWitness(inputs []string) (witness.Witness, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}

	values := make(chan any, len(inputs))
	for _, s := range inputs {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			close(values)
			return nil, fmt.Errorf("zkproof: public input %q is not a decimal integer", s)
		}
		values <- n
	}
	close(values)

	if err := w.Fill(len(inputs), 0, values); err != nil {
		return nil, err
	}
	return w, nil
}
