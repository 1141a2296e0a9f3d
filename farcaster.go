package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Profile is the resolved Farcaster identity for a fid. Read-only once
// fetched; a fresh session gets a fresh fetch, never a merge.
type Profile struct {
	FID         uint64 `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Resolver looks up profiles against the Neynar directory API. It owns no
// state beyond its HTTP client; every network failure, bad status, and
// malformed body comes back as a resolutionError for the caller to handle.
type Resolver struct {
	base   string
	apiKey string
	client *http.Client
}

func newResolver(cfg *Config) *Resolver {
	return &Resolver{
		base:   strings.TrimSuffix(cfg.neynarAPIBase, "/"),
		apiKey: cfg.neynarAPIKey,
		client: &http.Client{
			Timeout: cfg.resolverTimeout,
		},
	}
}

type bulkUsersResponse struct {
	Users []struct {
		FID         uint64 `json:"fid"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		PfpURL      string `json:"pfp_url"`
	} `json:"users"`
}

func (rs *Resolver) resolve(ctx context.Context, fid uint64) (*Profile, error) {
	url := rs.base + "/user/bulk?fids=" + strconv.FormatUint(fid, 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &resolutionError{fid: fid, err: err}
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("api_key", rs.apiKey)

	resp, err := rs.client.Do(req)
	if err != nil {
		return nil, &resolutionError{fid: fid, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &resolutionError{fid: fid, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body bulkUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &resolutionError{fid: fid, err: err}
	}
	if len(body.Users) == 0 {
		return nil, &resolutionError{fid: fid, err: fmt.Errorf("no user returned")}
	}

	u := body.Users[0]

	return &Profile{
		FID:         u.FID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.PfpURL,
	}, nil
}
