package scm

import (
	"context"
	"fmt"

	gogh "github.com/google/go-github/v68/github"
)

// GitHub implements Provider on top of the GitHub REST API.
type GitHub struct {
	appToken string
	apiURL   string
}

// NewGitHub creates a GitHub provider. appToken is the app-level
// (installation) token used for push credentials and repo lookups.
// apiURL overrides the API base URL for GitHub Enterprise; empty means
// github.com.
func NewGitHub(appToken, apiURL string) *GitHub {
	return &GitHub{appToken: appToken, apiURL: apiURL}
}

func (g *GitHub) client(token string) (*gogh.Client, error) {
	c := gogh.NewClient(nil).WithAuthToken(token)
	if g.apiURL != "" {
		var err error
		c, err = c.WithEnterpriseURLs(g.apiURL, g.apiURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise URLs: %w", err)
		}
	}
	return c, nil
}

// GeneratePushCredentials returns x-access-token credentials for the
// repository remote. The token is the installation token; GitHub
// accepts it as the password with the fixed username below.
func (g *GitHub) GeneratePushCredentials(ctx context.Context, owner, repo string) (*PushCredentials, error) {
	if g.appToken == "" {
		return nil, &Error{Status: 503, Message: "no app credentials configured"}
	}
	return &PushCredentials{
		Username:  "x-access-token",
		Token:     g.appToken,
		RemoteURL: fmt.Sprintf("https://github.com/%s/%s.git", owner, repo),
	}, nil
}

// DefaultBranch returns the repository's default branch.
func (g *GitHub) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	c, err := g.client(g.appToken)
	if err != nil {
		return "", err
	}
	r, resp, err := c.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", wrapGitHubErr("get repository", resp, err)
	}
	return r.GetDefaultBranch(), nil
}

// CreatePullRequest opens a PR authored as the prompting participant.
func (g *GitHub) CreatePullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error) {
	c, err := g.client(in.UserToken)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.PullRequests.Create(ctx, in.Owner, in.Repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(in.Title),
		Body:  gogh.Ptr(in.Body),
		Head:  gogh.Ptr(in.HeadBranch),
		Base:  gogh.Ptr(in.BaseBranch),
	})
	if err != nil {
		return nil, wrapGitHubErr("create pull request", resp, err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		State:  pr.GetState(),
	}, nil
}

func wrapGitHubErr(op string, resp *gogh.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &Error{Status: status, Message: op, Err: err}
}
