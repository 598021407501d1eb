package backuptest

import (
	"context"
	"iter"
	"sync"

	"github.com/schaermu/ghbackup/internal/backup"
)

// StaticSource is a backup.Source over fixed repositories and refs
type StaticSource struct {
	Repos []backup.RepositoryRef
	Refs  map[string][]backup.RefSnapshot
	// ListErr is yielded after every repository in Repos
	ListErr error
	// RefErrs is yielded after the refs of the named repository
	RefErrs map[string]error

	mu       sync.Mutex
	listed   int
	refCalls map[string]int
}

// ListRepositories implements backup.Source
func (s *StaticSource) ListRepositories(ctx context.Context) iter.Seq2[backup.RepositoryRef, error] {
	return func(yield func(backup.RepositoryRef, error) bool) {
		for _, repo := range s.Repos {
			s.mu.Lock()
			s.listed++
			s.mu.Unlock()
			if !yield(repo, nil) {
				return
			}
		}
		if s.ListErr != nil {
			yield(backup.RepositoryRef{}, s.ListErr)
		}
	}
}

// ListRefs implements backup.Source
func (s *StaticSource) ListRefs(ctx context.Context, repo backup.RepositoryRef) iter.Seq2[backup.RefSnapshot, error] {
	return func(yield func(backup.RefSnapshot, error) bool) {
		s.mu.Lock()
		if s.refCalls == nil {
			s.refCalls = make(map[string]int)
		}
		s.refCalls[repo.Name]++
		s.mu.Unlock()

		for _, ref := range s.Refs[repo.Name] {
			if !yield(ref, nil) {
				return
			}
		}
		if err := s.RefErrs[repo.Name]; err != nil {
			yield(backup.RefSnapshot{}, err)
		}
	}
}

// Listed returns how many repositories were handed out
func (s *StaticSource) Listed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listed
}

// RefCalls returns how often the refs of repo were listed
func (s *StaticSource) RefCalls(repo string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCalls[repo]
}
