// matchcheck is a diagnostic CLI for a running fleet server.
//
//	matchcheck token    --user host
//	matchcheck seed     --user host --opponent opp
//	matchcheck finalize --user host --match m-... --my-losses 3 --opponent-losses 5
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/auth"
	"github.com/park285/fleetbattle/internal/lifecycle"
	"github.com/park285/fleetbattle/internal/matchclient"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/pkg/matchdto"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

type common struct {
	baseURL string
	secret  string
	issuer  string
	user    string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.baseURL, "base-url", envOr("FLEET_BASE_URL", "http://127.0.0.1:8080"), "server base URL")
	fs.StringVar(&c.secret, "secret", os.Getenv("JWT_SECRET"), "token signing secret")
	fs.StringVar(&c.issuer, "issuer", envOr("JWT_ISSUER", "fleetbattle"), "token issuer")
	fs.StringVarP(&c.user, "user", "u", "", "acting user id")
}

func (c *common) token() (string, error) {
	if c.secret == "" {
		return "", fmt.Errorf("--secret or JWT_SECRET is required")
	}
	return auth.NewService(c.secret, c.issuer, time.Hour).IssueToken(c.user)
}

func (c *common) client() (*matchclient.Client, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}
	return matchclient.NewClient(c.baseURL, func() string { return tok }), nil
}

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	case "finalize":
		err = runFinalize(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: matchcheck token|seed|finalize [flags]")
}

func runToken(args []string) error {
	var c common
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	c.register(fs)
	_ = fs.Parse(args)
	tok, err := c.token()
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runSeed(args []string) error {
	var c common
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	c.register(fs)
	opponent := fs.StringP("opponent", "o", "", "opponent user id")
	_ = fs.Parse(args)

	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := cl.CreateMatch(ctx, *opponent)
	if err != nil {
		return err
	}
	return printJSON(m)
}

func runFinalize(args []string) error {
	var c common
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	c.register(fs)
	matchID := fs.StringP("match", "m", "", "match id")
	host := fs.String("host", "", "host user id (defaults to --user)")
	opponent := fs.String("opponent", "", "opponent user id")
	myLosses := fs.Int("my-losses", 0, "units lost by --user")
	oppLosses := fs.Int("opponent-losses", 0, "units lost by the opponent")
	feedURL := fs.String("feed", "", "websocket feed URL; when empty the session is driven with synthetic events")
	diagnostic := fs.Bool("diagnostic", false, "apply out-of-table transitions instead of rejecting them")
	wait := fs.Duration("wait", 2*time.Minute, "how long to wait on the feed")
	_ = fs.Parse(args)

	if strings.TrimSpace(*matchID) == "" {
		return fmt.Errorf("--match is required")
	}
	if *host == "" {
		*host = c.user
	}
	cl, err := c.client()
	if err != nil {
		return err
	}

	mode := lifecycle.ModeStrict
	if *diagnostic {
		mode = lifecycle.ModeDiagnostic
	}
	s := matchclient.NewSession(c.user, cl, mode)
	done := make(chan lifecycle.State, 2)
	for _, st := range []lifecycle.State{lifecycle.StateReturningToLobby, lifecycle.StateError} {
		s.Machine().On(st, func(rec lifecycle.Record) error {
			done <- rec.State
			return nil
		})
	}

	ctx := context.Background()
	if *feedURL != "" {
		tok, _ := c.token()
		feed := matchclient.NewFeed(*feedURL, 5, func() map[string]string {
			return map[string]string{"Authorization": "Bearer " + tok}
		})
		s.Attach(feed)
		if err := feed.Connect(ctx); err != nil {
			return err
		}
		defer feed.Close(context.Background())
	} else {
		first := matchdto.EventInviteSent
		if c.user != *host {
			first = matchdto.EventInviteReceived
		}
		for _, ev := range []matchdto.Event{
			{Type: first},
			{Type: matchdto.EventMatchLoading, MatchID: *matchID, HostID: *host, OpponentID: *opponent},
			{Type: matchdto.EventShipsReady},
			{Type: matchdto.EventBattleStarted},
			{Type: matchdto.EventMatchOver, MatchID: *matchID, MyLosses: *myLosses, OpponentLosses: *oppLosses},
		} {
			if err := s.Handle(ctx, ev); err != nil {
				obslog.L().Warn("matchcheck_event_failed", zap.String("event", ev.Type), zap.Error(err))
			}
		}
	}

	select {
	case st := <-done:
		fmt.Printf("session ended in %s\n", st)
	case <-time.After(*wait):
		return fmt.Errorf("session still in %s after %s", s.State(), *wait)
	}
	for _, rec := range s.Machine().History() {
		flagMark := ""
		if rec.Forced {
			flagMark = " (forced)"
		}
		fmt.Printf("  %s %s -> %s%s\n", rec.At.Format(time.RFC3339), rec.Previous, rec.State, flagMark)
	}
	if res, ok := s.Result(); ok {
		return printJSON(res)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
