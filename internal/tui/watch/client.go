package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/workfarm/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// farmView mirrors the /farms payload. States stay strings so the client does not
// depend on the server's enum encoding.
type farmView struct {
	FarmID       string       `json:"farm_id"`
	Running      bool         `json:"running"`
	QueueLength  int          `json:"queue_length"`
	PendingCalls int          `json:"pending_calls"`
	Workers      []workerView `json:"workers"`
}

type workerView struct {
	ID           int       `json:"id"`
	Pid          int       `json:"pid"`
	State        string    `json:"state"`
	PendingCalls int       `json:"pending_calls"`
	TTL          int       `json:"ttl"`
	SpawnedAt    time.Time `json:"spawned_at"`
}

type farmsMsg []farmView

type tickMsg time.Time

type errMsg error

type workerKilledMsg struct {
	farmID   string
	workerID int
}

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the workfarm control API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// Farms fetches the status of every farm.
func (c *Client) Farms(ctx context.Context) ([]farmView, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/farms")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /farms: %s", resp.Status)
	}

	var body struct {
		Farms []farmView `json:"farms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode /farms: %w", err)
	}
	return body.Farms, nil
}

// KillWorker asks the farm to kill one worker and waits for it to go.
func (c *Client) KillWorker(ctx context.Context, farmID string, workerID int) error {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/farms/%s/workers/%d", farmID, workerID))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("kill worker %d: %s", workerID, resp.Status)
	}
	return nil
}

// Stream reads /events until the connection drops, sending each event to ch.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events")
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprint(lastID))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}
	return readSSE(resp.Body, ch)
}

// readSSE decodes data lines as events. id and event fields are redundant with
// the JSON payload and are ignored.
func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		ch <- ev
	}
	return scanner.Err()
}

// --- Commands ---

func subscribeToEvents(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchFarms(c *Client) tea.Cmd {
	return func() tea.Msg {
		farms, err := c.Farms(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return farmsMsg(farms)
	}
}

func killWorker(c *Client, farmID string, workerID int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.KillWorker(ctx, farmID, workerID); err != nil {
			return errMsg(err)
		}
		return workerKilledMsg{farmID: farmID, workerID: workerID}
	}
}
