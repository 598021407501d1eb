package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ghbackup/internal/backup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, mux *http.ServeMux, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	api := gh.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	api.BaseURL = base

	return New(api, opts, testLogger()), srv
}

func nextLink(w http.ResponseWriter, r *http.Request, page int) {
	u := *r.URL
	q := u.Query()
	q.Set("page", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	w.Header().Set("Link", fmt.Sprintf(`<http://%s%s>; rel="next"`, r.Host, u.RequestURI()))
}

func TestListRepositories_Organization(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("type"))
		assert.Equal(t, "pushed", r.URL.Query().Get("sort"))
		assert.Equal(t, "50", r.URL.Query().Get("per_page"))

		switch r.URL.Query().Get("page") {
		case "", "1":
			nextLink(w, r, 2)
			fmt.Fprint(w, `[
				{"name":"api","owner":{"login":"acme"},"clone_url":"https://github.com/acme/api.git",
				 "pushed_at":"2024-03-01T10:00:00Z","default_branch":"main","size":120,
				 "topics":["go","backend"],"description":"API server"},
				{"name":"empty","owner":{"login":"acme"},"size":0,"pushed_at":"2024-02-01T10:00:00Z"}
			]`)
		case "2":
			fmt.Fprint(w, `[
				{"name":"legacy","owner":{"login":"acme"},"clone_url":"https://github.com/acme/legacy.git",
				 "updated_at":"2023-01-01T00:00:00Z","default_branch":"master","size":10}
			]`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	mux.HandleFunc("/repos/acme/api/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("/repos/acme/legacy/branches/master", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Branch not found"}`, http.StatusNotFound)
	})

	client, _ := newTestClient(t, mux, Options{Mode: ModeOrganization, Organization: "acme"})

	var repos []backup.RepositoryRef
	for repo, err := range client.ListRepositories(context.Background()) {
		require.NoError(t, err)
		repos = append(repos, repo)
	}

	require.Len(t, repos, 2, "empty repositories are skipped")

	api := repos[0]
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, "acme", api.Owner)
	assert.Equal(t, "https://github.com/acme/api.git", api.CloneURL)
	assert.True(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Equal(api.Watermark))
	assert.Equal(t, "main", api.DefaultBranch)
	assert.Equal(t, "abc123", api.DefaultBranchHeadSHA)
	assert.Equal(t, []string{"go", "backend"}, api.Tags)
	assert.Equal(t, "API server", api.Description)

	legacy := repos[1]
	assert.True(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Equal(legacy.Watermark), "falls back to updated_at")
	assert.Empty(t, legacy.DefaultBranchHeadSHA)
}

func TestListRepositories_User(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `[{"name":"dotfiles","owner":{"login":"octocat"},"size":5,"pushed_at":"2024-01-01T00:00:00Z"}]`)
	})

	client, _ := newTestClient(t, mux, Options{Mode: ModeUser})

	var names []string
	for repo, err := range client.ListRepositories(context.Background()) {
		require.NoError(t, err)
		names = append(names, repo.Owner+"/"+repo.Name)
	}
	assert.Equal(t, []string{"octocat/dotfiles"}, names)
}

func TestListRepositories_Lazy(t *testing.T) {
	var pages atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		nextLink(w, r, 2)
		fmt.Fprint(w, `[{"name":"a","owner":{"login":"acme"},"size":1},{"name":"b","owner":{"login":"acme"},"size":1}]`)
	})

	client, _ := newTestClient(t, mux, Options{Organization: "acme"})

	for repo, err := range client.ListRepositories(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, "a", repo.Name)
		break
	}
	assert.EqualValues(t, 1, pages.Load(), "no further page requested after the consumer stopped")
}

func TestListRepositories_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"Bad credentials"}`, want: ErrUnauthorized},
		{name: "org not found", status: http.StatusNotFound, body: `{"message":"Not Found"}`, want: ErrNotFound},
		{
			name:   "rate limited",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     fmt.Sprint(time.Now().Add(time.Hour).Unix()),
			},
			body: `{"message":"API rate limit exceeded"}`,
			want: ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			client, _ := newTestClient(t, mux, Options{Organization: "acme"})

			var gotErr error
			for _, err := range client.ListRepositories(context.Background()) {
				gotErr = err
			}
			require.Error(t, gotErr)
			assert.ErrorIs(t, gotErr, tt.want)
		})
	}
}

func TestListRefs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/branches", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		switch r.URL.Query().Get("page") {
		case "", "1":
			nextLink(w, r, 2)
			fmt.Fprint(w, `[{"name":"main","commit":{"sha":"aaa"}}]`)
		case "2":
			fmt.Fprint(w, `[{"name":"feature/x","commit":{"sha":"bbb"}}]`)
		}
	})
	mux.HandleFunc("/repos/acme/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"v1.0.0","commit":{"sha":"aaa"}}]`)
	})

	client, srv := newTestClient(t, mux, Options{Organization: "acme"})

	var refs []backup.RefSnapshot
	for ref, err := range client.ListRefs(context.Background(), backup.RepositoryRef{Name: "api", Owner: "acme"}) {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	assert.Equal(t, []backup.RefSnapshot{
		{Name: "main", SHA: "aaa", Kind: backup.KindBranch, DownloadURL: srv.URL + "/repos/acme/api/tarball/aaa"},
		{Name: "feature/x", SHA: "bbb", Kind: backup.KindBranch, DownloadURL: srv.URL + "/repos/acme/api/tarball/bbb"},
		{Name: "v1.0.0", SHA: "aaa", Kind: backup.KindTag, DownloadURL: srv.URL + "/repos/acme/api/tarball/aaa"},
	}, refs)
}

func TestListRefs_TagError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"main","commit":{"sha":"aaa"}}]`)
	})
	mux.HandleFunc("/repos/acme/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"boom"}`)
	})

	client, _ := newTestClient(t, mux, Options{Organization: "acme"})

	var names []string
	var gotErr error
	for ref, err := range client.ListRefs(context.Background(), backup.RepositoryRef{Name: "api", Owner: "acme"}) {
		if err != nil {
			gotErr = err
			continue
		}
		names = append(names, ref.Name)
	}
	assert.Equal(t, []string{"main"}, names)
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "failed to list tags")
}

func TestWhoAmI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"login":"backup-bot"}`)
	})
	client, _ := newTestClient(t, mux, Options{})

	login, err := client.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup-bot", login)
}

func TestNewHTTPClient_SendsToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(context.Background(), "ghp_test").Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer ghp_test", auth)
}

func TestNewAPIClient(t *testing.T) {
	client, err := NewAPIClient(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com/", client.BaseURL.String())

	client, err = NewAPIClient(nil, "https://ghe.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", client.BaseURL.String())
}
