package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "View session events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if logsFollow {
			return streamEvents(args[0])
		}
		return printEvents(args[0])
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow until the run is done")
	rootCmd.AddCommand(logsCmd)
}

type sseEvent struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Data string `json:"data"`
}

func printEvents(sessionID string) error {
	return readEvents(sessionID, func(ev sseEvent) bool {
		printEvent(ev)
		return false
	}, true)
}

// streamEvents prints events until the run reports done.
func streamEvents(sessionID string) error {
	return readEvents(sessionID, func(ev sseEvent) bool {
		printEvent(ev)
		return ev.Type == "done"
	}, false)
}

// readEvents calls fn for each streamed event until fn returns true. With
// replayOnly it stops at the comment that ends the replay.
func readEvents(sessionID string, fn func(sseEvent) bool, replayOnly bool) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, data)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if replayOnly && strings.HasPrefix(line, ":") {
			return nil
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if fn(ev) {
			return nil
		}
	}
	return scanner.Err()
}

func printEvent(ev sseEvent) {
	switch ev.Type {
	case "status":
		fmt.Printf("\033[36m[status]\033[0m %s\n", ev.Data)
	case "stage":
		fmt.Printf("\033[35m[stage]\033[0m %s\n", ev.Data)
	case "page":
		fmt.Printf("\033[34m[page]\033[0m %s\n", ev.Data)
	case "feedback":
		fmt.Printf("\033[33m[feedback]\033[0m %s\n", ev.Data)
	case "error":
		fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %s\n", ev.Data)
	case "done":
		fmt.Printf("\n\033[32m✓ Done:\033[0m %s\n", ev.Data)
	default:
		fmt.Println(ev.Data)
	}
}
