package job

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/logger"
)

// Service wraps the store with access checks.
type Service struct {
	store *Store
	guard auth.Guard
	log   *zap.SugaredLogger
}

// NewService creates a job service. A nil guard allows every action.
func NewService(store *Store, guard auth.Guard) *Service {
	return &Service{
		store: store,
		guard: guard,
		log:   logger.Named("job.service"),
	}
}

func (s *Service) Create(ctx context.Context, identity auth.Identity, j *Job) error {
	if err := auth.Check(s.guard, identity, "create", "job"); err != nil {
		return err
	}
	if err := s.store.Create(ctx, j); err != nil {
		return err
	}
	s.log.Infow("Job created", "id", j.ID, "title", j.Title, "by", identity)
	return nil
}

func (s *Service) Read(ctx context.Context, identity auth.Identity, id string) (*Job, error) {
	if err := auth.Check(s.guard, identity, "read", "job"); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) Update(ctx context.Context, identity auth.Identity, j *Job) error {
	if err := auth.Check(s.guard, identity, "update", "job"); err != nil {
		return err
	}
	if err := s.store.Update(ctx, j); err != nil {
		return err
	}
	s.log.Infow("Job updated", "id", j.ID, "by", identity)
	return nil
}

func (s *Service) Delete(ctx context.Context, identity auth.Identity, id string) error {
	if err := auth.Check(s.guard, identity, "delete", "job"); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Job deleted", "id", id, "by", identity)
	return nil
}

func (s *Service) List(ctx context.Context, identity auth.Identity) ([]*Job, error) {
	if err := auth.Check(s.guard, identity, "read", "job"); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

func (s *Service) Search(ctx context.Context, identity auth.Identity, term string) ([]*Job, error) {
	if err := auth.Check(s.guard, identity, "read", "job"); err != nil {
		return nil, err
	}
	return s.store.Search(ctx, term)
}
