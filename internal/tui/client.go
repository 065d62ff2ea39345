package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/fontbridge/internal/api"
)

// Event is one server-sent event from /v1/events.
type Event struct {
	ID   int64
	Type string
	Data []byte
}

type eventMsg Event

type healthMsg api.HealthzResponse

type errMsg struct{ err error }

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// readSSE parses an event stream into ch until r ends. Comment lines
// (keep-alives) are skipped.
func readSSE(r io.Reader, ch chan<- Event) error {
	scanner := bufio.NewScanner(r)
	var current Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				current.Data = []byte(data.String())
				ch <- current
			}
			current = Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// subscribeToEvents streams /v1/events into ch, resuming after lastID.
// It returns sseDisconnectedMsg when the connection drops.
func subscribeToEvents(client *http.Client, apiURL, token string, lastID int64, ch chan<- Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/v1/events", nil)
		if err != nil {
			return errMsg{err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{fmt.Errorf("events: %s", resp.Status)}
		}

		return sseDisconnectedMsg{readSSE(resp.Body, ch)}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries /healthz, which needs no token.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return healthMsg(h)
}
