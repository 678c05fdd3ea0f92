package store

import (
	"context"
	"time"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

// ==== application homing table ====

// AddApplicationHomeSubCluster maps the application to its home
// sub-cluster if no mapping exists yet. The first writer wins; later
// calls get AlreadyExists and leave the mapping untouched.
func (s *Store) AddApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error {
	const op = "add_application"
	start := time.Now()
	key := home.ApplicationID.String()
	if err := home.Validate(); err != nil {
		return s.observe(backend.TableApplications, op, key, start, invalid(op, key, err))
	}
	raw, err := encodeApplication(home)
	if err != nil {
		return s.observe(backend.TableApplications, op, key, start, err)
	}
	err = s.backend.Create(ctx, backend.TableApplications, key, raw)
	return s.observe(backend.TableApplications, op, key, start, err)
}

// UpdateApplicationHomeSubCluster moves an existing mapping to a new home.
func (s *Store) UpdateApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error {
	const op = "update_application"
	start := time.Now()
	key := home.ApplicationID.String()
	if err := home.Validate(); err != nil {
		return s.observe(backend.TableApplications, op, key, start, invalid(op, key, err))
	}
	raw, err := encodeApplication(home)
	if err != nil {
		return s.observe(backend.TableApplications, op, key, start, err)
	}
	err = s.backend.Update(ctx, backend.TableApplications, key, func([]byte) ([]byte, error) {
		return raw, nil
	})
	return s.observe(backend.TableApplications, op, key, start, err)
}

// DeleteApplicationHomeSubCluster removes the mapping.
func (s *Store) DeleteApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) error {
	const op = "delete_application"
	start := time.Now()
	key := appID.String()
	err := s.backend.Delete(ctx, backend.TableApplications, key)
	return s.observe(backend.TableApplications, op, key, start, err)
}

// GetApplicationHomeSubCluster returns the current mapping.
func (s *Store) GetApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) (federation.ApplicationHomeSubCluster, error) {
	const op = "get_application"
	start := time.Now()
	key := appID.String()

	raw, err := s.backend.Get(ctx, backend.TableApplications, key)
	if err != nil {
		return federation.ApplicationHomeSubCluster{}, s.observe(backend.TableApplications, op, key, start, err)
	}
	home, err := decodeApplication(raw)
	if err != nil {
		return federation.ApplicationHomeSubCluster{}, s.observe(backend.TableApplications, op, key, start, err)
	}
	return home, s.observe(backend.TableApplications, op, key, start, nil)
}

// GetApplicationsHomeSubCluster lists every live mapping.
func (s *Store) GetApplicationsHomeSubCluster(ctx context.Context) ([]federation.ApplicationHomeSubCluster, error) {
	const op = "get_applications"
	start := time.Now()

	recs, err := s.backend.List(ctx, backend.TableApplications)
	if err != nil {
		return nil, s.observe(backend.TableApplications, op, "", start, err)
	}
	out := make([]federation.ApplicationHomeSubCluster, 0, len(recs))
	for _, r := range recs {
		home, err := decodeApplication(r.Value)
		if err != nil {
			return nil, s.observe(backend.TableApplications, op, r.Key, start, err)
		}
		out = append(out, home)
	}
	return out, s.observe(backend.TableApplications, op, "", start, nil)
}
