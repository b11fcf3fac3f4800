package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// queuectl renders the /queues endpoint for operators watching a box over ssh.

type queueEntry struct {
	IP              string      `json:"ip"`
	Port            int         `json:"port"`
	InstanceID      string      `json:"instanceId"`
	ProcessingState string      `json:"processingState"`
	LastServerInfo  *serverInfo `json:"lastServerInfo"`
	SpawnDate       time.Time   `json:"spawnDate"`
	Players         []playerRow `json:"players"`
}

type serverInfo struct {
	HostName    string `json:"hostname"`
	MapName     string `json:"mapname"`
	GameType    string `json:"gametype"`
	RealPlayers int    `json:"realPlayers"`
	MaxClients  int    `json:"maxClients"`
	FreeSlots   int    `json:"freeSlots"`
	Ping        int64  `json:"ping"`
}

type playerRow struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	JoinAttempts int    `json:"joinAttempts"`
	QueueTime    int64  `json:"queueTime"`
}

var (
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	addrStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faintStyle = lipgloss.NewStyle().Faint(true)

	stateStyles = map[string]lipgloss.Style{
		"Idle":     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		"Running":  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"Stopping": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Stopped":  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	playerStateStyles = map[string]lipgloss.Style{
		"Queued":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"Joining": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Joined":  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

func main() {
	addr := flag.String("addr", "http://localhost:8081", "queue service base URL")
	state := flag.String("state", "", "filter by processing state (Idle|Running|Stopping|Stopped)")
	flag.Parse()

	queues, err := fetchQueues(*addr, *state)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		os.Exit(1)
	}

	if len(queues) == 0 {
		fmt.Println(faintStyle.Render("no queues"))
		return
	}
	for _, q := range queues {
		fmt.Println(boxStyle.Render(renderQueue(q)))
	}
}

func fetchQueues(base, state string) ([]queueEntry, error) {
	url := strings.TrimRight(base, "/") + "/queues"
	if state != "" {
		url += "?state=" + state
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var queues []queueEntry
	if err := json.Unmarshal(body, &queues); err != nil {
		return nil, fmt.Errorf("bad response: %w", err)
	}
	return queues, nil
}

func renderQueue(q queueEntry) string {
	stateStyle, ok := stateStyles[q.ProcessingState]
	if !ok {
		stateStyle = labelStyle
	}

	header := fmt.Sprintf("%s  %s", addrStyle.Render(fmt.Sprintf("%s:%d", q.IP, q.Port)), stateStyle.Render(q.ProcessingState))
	if q.InstanceID != "" {
		header += "  " + faintStyle.Render(q.InstanceID)
	}

	lines := []string{header}
	if info := q.LastServerInfo; info != nil {
		lines = append(lines, fmt.Sprintf("%s %s  %s %s/%s  %s %d/%d (%d free)  %s %dms",
			labelStyle.Render("host"), info.HostName,
			labelStyle.Render("map"), info.MapName, info.GameType,
			labelStyle.Render("players"), info.RealPlayers, info.MaxClients, info.FreeSlots,
			labelStyle.Render("ping"), info.Ping))
	} else {
		lines = append(lines, faintStyle.Render("no probe data"))
	}

	if len(q.Players) == 0 {
		lines = append(lines, faintStyle.Render("queue empty"))
	}
	for i, p := range q.Players {
		style, ok := playerStateStyles[p.State]
		if !ok {
			style = labelStyle
		}
		waited := (time.Duration(p.QueueTime) * time.Second).String()
		lines = append(lines, fmt.Sprintf("%2d. %-24s %s  %s %d  %s %s",
			i+1, p.Name, style.Render(p.State),
			labelStyle.Render("attempts"), p.JoinAttempts,
			labelStyle.Render("waited"), waited))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
