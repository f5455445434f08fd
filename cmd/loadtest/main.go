// loadtest 注册一批用户、建群并通过 WebSocket 并发发消息，统计投递情况与耗时。
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type options struct {
	base     string
	users    int
	messages int
	timeout  time.Duration
}

type account struct {
	username string
	token    string
}

type client struct {
	base string
	http *http.Client
}

func main() {
	var o options
	flag.StringVar(&o.base, "base", "http://localhost:8080", "server base URL")
	flag.IntVar(&o.users, "users", 10, "number of simulated users")
	flag.IntVar(&o.messages, "messages", 20, "messages sent per user")
	flag.DurationVar(&o.timeout, "timeout", time.Minute, "overall deadline")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if o.users < 2 {
		log.Fatal().Msg("need at least 2 users")
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := run(ctx, o); err != nil {
		log.Fatal().Err(err).Msg("loadtest failed")
	}
}

func run(ctx context.Context, o options) error {
	c := &client{base: strings.TrimRight(o.base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	prefix := "lt" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	start := time.Now()
	accounts := make([]account, o.users)
	g, gctx := errgroup.WithContext(ctx)
	for i := range accounts {
		g.Go(func() error {
			name := fmt.Sprintf("%s_%d", prefix, i)
			acc, err := c.signup(gctx, name, "loadtest-pass")
			if err != nil {
				return fmt.Errorf("signup %s: %w", name, err)
			}
			accounts[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Int("users", o.users).Dur("took", time.Since(start)).Msg("accounts ready")

	members := make([]string, 0, o.users-1)
	for _, a := range accounts[1:] {
		members = append(members, a.username)
	}
	var room struct {
		ID uint `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/rooms", accounts[0].token,
		map[string]any{"name": prefix, "participants": members}, &room); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	conns := make([]*websocket.Conn, o.users)
	for i, a := range accounts {
		conn, err := c.dial(ctx, room.ID, a.token)
		if err != nil {
			return fmt.Errorf("dial %s: %w", a.username, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conns[i] = conn
	}

	// 每个连接都应收到所有人的消息（包括自己的回显）。
	expected := int64(o.users * o.messages)
	var received atomic.Int64
	start = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	for i, conn := range conns {
		g.Go(func() error {
			var got int64
			for got < expected {
				var ev map[string]any
				if err := wsjson.Read(gctx, conn, &ev); err != nil {
					return fmt.Errorf("read %s: %w", accounts[i].username, err)
				}
				if ev["type"] == "chat" {
					got++
					received.Add(1)
				}
			}
			return nil
		})
		g.Go(func() error {
			for m := 0; m < o.messages; m++ {
				frame := map[string]string{
					"content":   fmt.Sprintf("message %d from %s", m, accounts[i].username),
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				}
				if err := wsjson.Write(gctx, conn, frame); err != nil {
					return fmt.Errorf("write %s: %w", accounts[i].username, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	took := time.Since(start)
	log.Info().
		Int64("sent", expected).
		Int64("delivered", received.Load()).
		Int64("expected_deliveries", expected*int64(o.users)).
		Dur("took", took).
		Float64("deliveries_per_sec", float64(received.Load())/took.Seconds()).
		Msg("broadcast finished")
	return err
}

func (c *client) signup(ctx context.Context, username, password string) (account, error) {
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/register", "",
		map[string]string{"username": username, "password": password}, nil); err != nil {
		return account{}, err
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": username, "password": password}, &tok); err != nil {
		return account{}, err
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", tok.AccessToken, nil, nil); err != nil {
		return account{}, err
	}
	return account{username: username, token: tok.AccessToken}, nil
}

func (c *client) dial(ctx context.Context, roomID uint, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/api/v1/chat/rooms/%d/ws", roomID)
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *client) do(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errors.New(resp.Status + ": " + e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
