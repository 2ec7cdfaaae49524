package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const orgsPageSize = 100

// GitHubAPI answers identity and organization questions about a token.
type GitHubAPI struct {
	BaseURL   string
	Requester Requester
	Log       *zap.SugaredLogger
}

type githubUser struct {
	Login string `json:"login"`
}

type githubOrg struct {
	Login string `json:"login"`
}

// IsValid reports whether the token can still read the authenticated user.
// Every failure, including network errors, is reported as false.
func (g *GitHubAPI) IsValid(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	var user githubUser
	status, err := g.Requester.GetJSON(ctx, g.BaseURL+"/user", token, &user)
	if err != nil {
		g.log().Debugw("Token validation failed", "error", err)
		return false
	}
	if !isSuccess(status) || user.Login == "" {
		g.log().Debugw("Token rejected by identity endpoint", "status", status)
		return false
	}
	return true
}

// IsMember lists the organizations of the token owner and matches org
// exactly. A failed listing returns false together with the cause.
func (g *GitHubAPI) IsMember(ctx context.Context, token, org string) (bool, error) {
	for page := 1; ; page++ {
		var orgs []githubOrg
		endpoint := fmt.Sprintf("%s/user/orgs?per_page=%d&page=%d", g.BaseURL, orgsPageSize, page)
		status, err := g.Requester.GetJSON(ctx, endpoint, token, &orgs)
		if err != nil {
			return false, err
		}
		if !isSuccess(status) {
			return false, fmt.Errorf("organization lookup returned status %d", status)
		}
		for _, o := range orgs {
			if o.Login == org {
				return true, nil
			}
		}
		if len(orgs) < orgsPageSize {
			return false, nil
		}
	}
}

func (g *GitHubAPI) log() *zap.SugaredLogger {
	if g.Log == nil {
		return zap.NewNop().Sugar()
	}
	return g.Log
}
