// Command companionctl is a development client for the backend: it mints a
// token, calls the API and tails the websocket event stream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"swipe-companion/backend/pkg/jwt"

	"github.com/gorilla/websocket"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

type wsMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8081", "Backend base URL")
	token := flag.String("token", "", "Bearer token; minted from -user and -secret when empty")
	user := flag.String("user", "", "User id to mint a token for")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	issuer := flag.String("issuer", "swipe-companion", "JWT issuer")
	character := flag.String("character", "", "Character id for chat commands")
	text := flag.String("text", "", "Message text for -send")
	direction := flag.String("swipe", "", "Swipe the current candidate: like or pass")
	matches := flag.Bool("matches", false, "List matches")
	deck := flag.Bool("deck", false, "Show the current and next candidate")
	send := flag.Bool("send", false, "Send -text to -character")
	listen := flag.Bool("listen", false, "Tail websocket events")
	helpPtr := flag.Bool("help", false, "Show usage information")
	flag.Parse()

	if *helpPtr || (!*matches && !*deck && !*send && !*listen && *direction == "") {
		fmt.Println("companionctl usage:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *token == "" {
		if *user == "" {
			fail(fmt.Errorf("either -token or -user is required"))
		}
		t, err := jwt.NewService(*secret, time.Hour, *issuer).GenerateToken(*user)
		if err != nil {
			fail(fmt.Errorf("mint token: %w", err))
		}
		*token = t
	}

	c := &client{
		baseURL: strings.TrimSuffix(*baseURL, "/"),
		token:   *token,
		http:    &http.Client{Timeout: 90 * time.Second},
	}

	switch {
	case *matches:
		c.print(http.MethodGet, "/api/v1/matches", nil)
	case *deck:
		c.print(http.MethodGet, "/api/v1/deck", nil)
	case *direction != "":
		c.print(http.MethodPost, "/api/v1/deck/swipe", map[string]string{"direction": *direction})
	case *send:
		if *character == "" || *text == "" {
			fail(fmt.Errorf("-send needs -character and -text"))
		}
		c.print(http.MethodPost, "/api/v1/chats/"+url.PathEscape(*character)+"/open", nil)
		c.print(http.MethodPost, "/api/v1/chats/"+url.PathEscape(*character)+"/messages", map[string]string{"text": *text})
	case *listen:
		if err := c.listen(*character); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("error response: %s, status: %d", string(data), resp.StatusCode)
	}
	return data, nil
}

func (c *client) print(method, path string, body any) {
	data, err := c.do(method, path, body)
	if err != nil {
		fail(err)
	}
	var out bytes.Buffer
	if json.Indent(&out, data, "", "  ") != nil {
		out.Reset()
		out.Write(data)
	}
	fmt.Println(out.String())
}

// listen prints pushed events until interrupted
func (c *client) listen(characterID string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	q := url.Values{"token": {c.token}}
	if characterID != "" {
		q.Set("characterId", characterID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan error, 1)
	go func() {
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				done <- err
				return
			}
			fmt.Printf("[%s] %s %s\n", time.Now().Format(time.TimeOnly), msg.Type, string(msg.Content))
		}
	}()

	select {
	case err := <-done:
		return fmt.Errorf("connection closed: %w", err)
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
}
