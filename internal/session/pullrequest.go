package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentplane/agentplane/internal/id"
	"github.com/agentplane/agentplane/internal/scm"
	"github.com/agentplane/agentplane/internal/session/store"
	"github.com/agentplane/agentplane/internal/util/sanitize"
)

// CreatePRRequest carries a client's create-pr intent. All fields are
// optional; defaults come from the session.
type CreatePRRequest struct {
	Title         string `json:"title,omitempty"`
	Body          string `json:"body,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
	HeadBranch    string `json:"headBranch,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// CreatePRResult is either a created PR or the manual fallback.
type CreatePRResult struct {
	Status      string `json:"status"`
	PRNumber    int    `json:"prNumber,omitempty"`
	PRURL       string `json:"prUrl,omitempty"`
	State       string `json:"state,omitempty"`
	CreatePRURL string `json:"createPrUrl,omitempty"`
	HeadBranch  string `json:"headBranch,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
}

// CreatePullRequest pushes the session branch and opens a PR, with
// exactly-once semantics per session. Without user OAuth it returns a
// manual-PR link instead. Runs outside the mailbox; each state step is
// serialized through Do so events (including the push result) keep
// flowing during the push window.
func (a *Actor) CreatePullRequest(ctx context.Context, req CreatePRRequest) (*CreatePRResult, error) {
	var (
		sess      store.Session
		userToken string
	)
	err := a.Do(ctx, func(ctx context.Context) error {
		s, err := a.requireActiveSession(ctx)
		if err != nil {
			return err
		}
		existing, err := a.st.GetPRArtifact(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrPRExists
		}
		sess = *s

		if req.ParticipantID != "" {
			p, err := a.st.GetParticipantByID(ctx, req.ParticipantID)
			if err != nil {
				return err
			}
			if p != nil && p.SCMAccessTokenEncrypted != nil && a.cipher != nil {
				tok, err := a.cipher.Decrypt(ctx, *p.SCMAccessTokenEncrypted)
				if err != nil {
					a.log.Warn("decrypt participant token failed", "participant", p.ID, "error", err)
				} else {
					userToken = tok
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	creds, err := a.scm.GeneratePushCredentials(ctx, sess.RepoOwner, sess.RepoName)
	if err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = sess.BaseBranch
	}
	if baseBranch == "" {
		baseBranch, err = a.scm.DefaultBranch(ctx, sess.RepoOwner, sess.RepoName)
		if err != nil {
			return nil, err
		}
	}
	headBranch := req.HeadBranch
	if headBranch == "" && sess.BranchName != nil {
		headBranch = *sess.BranchName
	}
	if headBranch == "" {
		headBranch = defaultHeadBranch(a.id)
	}

	out := a.pushBranchToRemote(ctx, headBranch, pushSpec{
		Branch:    headBranch,
		RemoteURL: creds.RemoteURL,
		Username:  creds.Username,
		Token:     creds.Token,
	})
	if !out.Success {
		return nil, &scm.Error{Status: 502, Message: "branch push failed: " + out.Error}
	}

	err = a.Do(ctx, func(ctx context.Context) error {
		if err := a.st.SetSessionBranch(ctx, headBranch, nowMillis()); err != nil {
			return err
		}
		// A concurrent create-pr may have won during the push window.
		existing, err := a.st.GetPRArtifact(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrPRExists
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if userToken != "" {
		return a.createPRWithUserAuth(ctx, sess, req, userToken, headBranch, baseBranch)
	}
	return a.manualPRFallback(ctx, sess, headBranch, baseBranch)
}

func (a *Actor) createPRWithUserAuth(ctx context.Context, sess store.Session, req CreatePRRequest, userToken, headBranch, baseBranch string) (*CreatePRResult, error) {
	title := req.Title
	if title == "" && sess.Title != nil {
		title = *sess.Title
	}
	if title == "" {
		title = sess.SessionName
	}
	title = sanitize.Title(title, maxTitleLen)

	body := req.Body
	body += fmt.Sprintf("\n\n---\nCreated from an [agentplane session](%s/sessions/%s).", a.cfg.BaseURL, a.id)

	pr, err := a.scm.CreatePullRequest(ctx, scm.PullRequestInput{
		Owner:      sess.RepoOwner,
		Repo:       sess.RepoName,
		Title:      title,
		Body:       body,
		HeadBranch: headBranch,
		BaseBranch: baseBranch,
		UserToken:  userToken,
	})
	if err != nil {
		return nil, err
	}

	err = a.Do(ctx, func(ctx context.Context) error {
		meta := string(rawJSON(map[string]any{
			"prNumber":   pr.Number,
			"headBranch": headBranch,
			"baseBranch": baseBranch,
		}))
		art := store.Artifact{
			ID:           id.Generate(),
			Type:         store.ArtifactPR,
			URL:          &pr.URL,
			MetadataJSON: &meta,
			CreatedAt:    nowMillis(),
		}
		if err := a.st.InsertArtifact(ctx, art); err != nil {
			// The partial unique index is the last line of defense
			// against a concurrent winner.
			if store.IsUniqueViolation(err) {
				return ErrPRExists
			}
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "artifact_created", map[string]any{"artifact": art})
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("pull request created", "pr", pr.Number, "head", headBranch)
	return &CreatePRResult{
		Status:     "created",
		PRNumber:   pr.Number,
		PRURL:      pr.URL,
		State:      pr.State,
		HeadBranch: headBranch,
		BaseBranch: baseBranch,
	}, nil
}

// manualPRFallback records the pushed branch and hands the user a
// compare URL to open the PR themselves.
func (a *Actor) manualPRFallback(ctx context.Context, sess store.Session, headBranch, baseBranch string) (*CreatePRResult, error) {
	createURL := fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1",
		sess.RepoOwner, sess.RepoName, baseBranch, headBranch)

	err := a.Do(ctx, func(ctx context.Context) error {
		// Reuse an existing branch artifact for the same head.
		existing, err := a.st.ListArtifacts(ctx)
		if err != nil {
			return err
		}
		for _, art := range existing {
			if art.Type != store.ArtifactBranch || art.MetadataJSON == nil {
				continue
			}
			var meta struct {
				HeadBranch string `json:"headBranch"`
			}
			if json.Unmarshal([]byte(*art.MetadataJSON), &meta) == nil && meta.HeadBranch == headBranch {
				return nil
			}
		}

		meta := string(rawJSON(map[string]any{
			"mode":       "manual_pr",
			"headBranch": headBranch,
			"baseBranch": baseBranch,
		}))
		art := store.Artifact{
			ID:           id.Generate(),
			Type:         store.ArtifactBranch,
			URL:          &createURL,
			MetadataJSON: &meta,
			CreatedAt:    nowMillis(),
		}
		if err := a.st.InsertArtifact(ctx, art); err != nil {
			return err
		}
		a.broadcastFrame(broadcastAuthenticated, "artifact_created", map[string]any{"artifact": art})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CreatePRResult{
		Status:      "manual",
		CreatePRURL: createURL,
		HeadBranch:  headBranch,
		BaseBranch:  baseBranch,
	}, nil
}
