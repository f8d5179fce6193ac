// Package matchclient is the player-side counterpart of the match API: an
// HTTP client, a websocket event feed and a Session that drives one
// lifecycle machine from feed events.
package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/httpjson"
	"github.com/park285/fleetbattle/pkg/matchdto"
	"github.com/valyala/fasthttp"
)

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

type Client struct{ http *httpjson.Client }

type Option = httpjson.Option

// NewClient talks to the API at baseURL. Finalize is retried on 5xx
// because the server settles it idempotently.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	headers := func() map[string]string {
		if tokens == nil {
			return nil
		}
		return map[string]string{fasthttp.HeaderAuthorization: "Bearer " + tokens()}
	}
	all := append([]Option{httpjson.WithHeaderProvider(headers), httpjson.WithTimeout(10 * time.Second)}, opts...)
	return &Client{http: httpjson.New(baseURL, all...)}
}

func (c *Client) CreateMatch(ctx context.Context, opponentID string) (*matchdto.Match, error) {
	var out matchdto.Match
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/matches", matchdto.CreateMatchRequest{OpponentID: opponentID}, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Match(ctx context.Context, matchID string) (*matchdto.Match, error) {
	var out matchdto.Match
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/matches/"+url.PathEscape(matchID), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Finalize(ctx context.Context, matchID string, myLosses, opponentLosses int) (*matchdto.FinalizeResponse, error) {
	var out matchdto.FinalizeResponse
	in := matchdto.NewFinalizeRequest(myLosses, opponentLosses)
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/matches/"+url.PathEscape(matchID)+"/finalize", in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context, userID string) (*matchdto.PlayerStats, error) {
	var out matchdto.PlayerStats
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/players/"+url.PathEscape(userID)+"/stats", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, retry bool) error {
	err := c.http.Do(ctx, method, path, in, out, retry)
	var se *httpjson.StatusError
	if !errors.As(err, &se) {
		return err
	}
	return decodeError(se)
}

// decodeError turns an API error body back into an *apperr.Error.
func decodeError(se *httpjson.StatusError) error {
	var body matchdto.ErrorBody
	if jerr := json.Unmarshal(se.Body, &body); jerr != nil || body.Code == "" {
		return se
	}
	return &apperr.Error{
		Kind:             apperr.Kind(body.Code),
		Op:               "api",
		Message:          body.Message,
		AlreadyProcessed: body.AlreadyProcessed,
		Err:              se,
	}
}
