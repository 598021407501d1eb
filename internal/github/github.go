// Package github enumerates the repositories and refs to back up through the
// GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/schaermu/ghbackup/internal/backup"
)

// Mode selects which repositories are enumerated
type Mode string

const (
	// ModeOrganization lists every repository of one organization
	ModeOrganization Mode = "organization"
	// ModeUser lists every repository the token can access
	ModeUser Mode = "user"
)

const (
	orgPageSize  = 50
	userPageSize = 100
	refPageSize  = 100
)

var (
	// ErrRateLimited means the API refused the request because of rate limiting
	ErrRateLimited = errors.New("github rate limit exceeded")
	// ErrUnauthorized means the token was rejected
	ErrUnauthorized = errors.New("github token rejected")
	// ErrNotFound means the requested resource does not exist or is not visible
	ErrNotFound = errors.New("github resource not found")
)

// Options selects the enumeration scope
type Options struct {
	Mode         Mode
	Organization string
}

// Client implements backup.Source against the GitHub REST API
type Client struct {
	gh     *gh.Client
	mode   Mode
	org    string
	logger *slog.Logger
}

// NewHTTPClient returns an HTTP client that authenticates every request with token
func NewHTTPClient(ctx context.Context, token string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

// NewAPIClient creates a go-github client. A non-empty baseURL points it at a
// GitHub Enterprise Server instance.
func NewAPIClient(httpClient *http.Client, baseURL string) (*gh.Client, error) {
	client := gh.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", baseURL, err)
	}
	return client, nil
}

// New creates a repository source
func New(client *gh.Client, opts Options, logger *slog.Logger) *Client {
	mode := opts.Mode
	if mode == "" {
		mode = ModeOrganization
	}
	return &Client{
		gh:     client,
		mode:   mode,
		org:    opts.Organization,
		logger: logger,
	}
}

// WhoAmI returns the login of the authenticated user
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to get authenticated user: %w", classify(err))
	}
	return user.GetLogin(), nil
}

// ListRepositories implements backup.Source. In organization mode the most
// recently pushed repositories come first.
func (c *Client) ListRepositories(ctx context.Context) iter.Seq2[backup.RepositoryRef, error] {
	var pages iter.Seq2[*gh.Repository, error]
	switch c.mode {
	case ModeUser:
		pages = paginate(ctx, func(ctx context.Context, page int) ([]*gh.Repository, *gh.Response, error) {
			return c.gh.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{
				ListOptions: gh.ListOptions{Page: page, PerPage: userPageSize},
			})
		})
	default:
		pages = paginate(ctx, func(ctx context.Context, page int) ([]*gh.Repository, *gh.Response, error) {
			return c.gh.Repositories.ListByOrg(ctx, c.org, &gh.RepositoryListByOrgOptions{
				Type:        "all",
				Sort:        "pushed",
				ListOptions: gh.ListOptions{Page: page, PerPage: orgPageSize},
			})
		})
	}

	return func(yield func(backup.RepositoryRef, error) bool) {
		for repo, err := range pages {
			if err != nil {
				yield(backup.RepositoryRef{}, fmt.Errorf("failed to list repositories: %w", err))
				return
			}
			if repo.GetSize() == 0 {
				c.logger.Debug("skipping empty repository", "repository", repo.GetName())
				continue
			}
			if !yield(c.toRef(ctx, repo), nil) {
				return
			}
		}
	}
}

// ListRefs implements backup.Source, yielding branches before tags
func (c *Client) ListRefs(ctx context.Context, repo backup.RepositoryRef) iter.Seq2[backup.RefSnapshot, error] {
	branches := paginate(ctx, func(ctx context.Context, page int) ([]*gh.Branch, *gh.Response, error) {
		return c.gh.Repositories.ListBranches(ctx, repo.Owner, repo.Name, &gh.BranchListOptions{
			ListOptions: gh.ListOptions{Page: page, PerPage: refPageSize},
		})
	})
	tags := paginate(ctx, func(ctx context.Context, page int) ([]*gh.RepositoryTag, *gh.Response, error) {
		return c.gh.Repositories.ListTags(ctx, repo.Owner, repo.Name, &gh.ListOptions{Page: page, PerPage: refPageSize})
	})

	return func(yield func(backup.RefSnapshot, error) bool) {
		for b, err := range branches {
			if err != nil {
				yield(backup.RefSnapshot{}, fmt.Errorf("failed to list branches: %w", err))
				return
			}
			sha := b.GetCommit().GetSHA()
			if !yield(c.snapshot(repo, backup.KindBranch, b.GetName(), sha), nil) {
				return
			}
		}
		for t, err := range tags {
			if err != nil {
				yield(backup.RefSnapshot{}, fmt.Errorf("failed to list tags: %w", err))
				return
			}
			sha := t.GetCommit().GetSHA()
			if !yield(c.snapshot(repo, backup.KindTag, t.GetName(), sha), nil) {
				return
			}
		}
	}
}

func (c *Client) snapshot(repo backup.RepositoryRef, kind backup.RefKind, name, sha string) backup.RefSnapshot {
	return backup.RefSnapshot{
		Name:        name,
		SHA:         sha,
		Kind:        kind,
		DownloadURL: c.gh.BaseURL.JoinPath("repos", repo.Owner, repo.Name, "tarball", sha).String(),
	}
}

// toRef converts an API repository and resolves its default branch head
func (c *Client) toRef(ctx context.Context, repo *gh.Repository) backup.RepositoryRef {
	watermark := repo.GetPushedAt().Time
	if watermark.IsZero() {
		watermark = repo.GetUpdatedAt().Time
	}

	ref := backup.RepositoryRef{
		Name:          repo.GetName(),
		Owner:         repo.GetOwner().GetLogin(),
		CloneURL:      repo.GetCloneURL(),
		Watermark:     watermark,
		DefaultBranch: repo.GetDefaultBranch(),
		Tags:          repo.Topics,
		Description:   repo.GetDescription(),
	}

	if ref.DefaultBranch != "" {
		branch, _, err := c.gh.Repositories.GetBranch(ctx, ref.Owner, ref.Name, ref.DefaultBranch, 1)
		switch err := classify(err); {
		case err == nil:
			ref.DefaultBranchHeadSHA = branch.GetCommit().GetSHA()
		case errors.Is(err, ErrNotFound):
		default:
			c.logger.Warn("failed to resolve default branch head",
				"repository", ref.Name,
				"branch", ref.DefaultBranch,
				"error", err)
		}
	}

	return ref
}

// paginate turns a page fetcher into a lazy sequence that requests the next
// page only once the previous one has been consumed.
func paginate[T any](ctx context.Context, fetch func(ctx context.Context, page int) ([]T, *gh.Response, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		page := 1
		for {
			items, resp, err := fetch(ctx, page)
			if err != nil {
				var zero T
				yield(zero, classify(err))
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			page = resp.NextPage
		}
	}
}

// classify maps API errors onto the package sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			if strings.Contains(strings.ToLower(respErr.Message), "rate limit") {
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}
	}
	return err
}
