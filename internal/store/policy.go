package store

import (
	"context"
	"time"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

// ==== policy configuration store ====

// SetPolicyConfiguration creates or replaces the policy of p.Queue.
func (s *Store) SetPolicyConfiguration(ctx context.Context, p federation.PolicyConfiguration) error {
	const op = "set_policy"
	start := time.Now()
	if err := p.Validate(); err != nil {
		return s.observe(backend.TablePolicies, op, p.Queue, start, invalid(op, p.Queue, err))
	}
	raw, err := encodePolicy(p)
	if err != nil {
		return s.observe(backend.TablePolicies, op, p.Queue, start, err)
	}
	err = backend.Put(ctx, s.backend, backend.TablePolicies, p.Queue, raw)
	return s.observe(backend.TablePolicies, op, p.Queue, start, err)
}

// GetPolicyConfiguration returns the policy of queue.
func (s *Store) GetPolicyConfiguration(ctx context.Context, queue string) (federation.PolicyConfiguration, error) {
	const op = "get_policy"
	start := time.Now()

	raw, err := s.backend.Get(ctx, backend.TablePolicies, queue)
	if err != nil {
		return federation.PolicyConfiguration{}, s.observe(backend.TablePolicies, op, queue, start, err)
	}
	p, err := decodePolicy(raw)
	if err != nil {
		return federation.PolicyConfiguration{}, s.observe(backend.TablePolicies, op, queue, start, err)
	}
	return p, s.observe(backend.TablePolicies, op, queue, start, nil)
}

// GetPoliciesConfigurations lists every configured queue, ordered by name.
func (s *Store) GetPoliciesConfigurations(ctx context.Context) ([]federation.PolicyConfiguration, error) {
	const op = "get_policies"
	start := time.Now()

	recs, err := s.backend.List(ctx, backend.TablePolicies)
	if err != nil {
		return nil, s.observe(backend.TablePolicies, op, "", start, err)
	}
	out := make([]federation.PolicyConfiguration, 0, len(recs))
	for _, r := range recs {
		p, err := decodePolicy(r.Value)
		if err != nil {
			return nil, s.observe(backend.TablePolicies, op, r.Key, start, err)
		}
		out = append(out, p)
	}
	return out, s.observe(backend.TablePolicies, op, "", start, nil)
}
