// ABOUTME: Admin CLI for the lair server: health, users, audit, revocation
// ABOUTME: Talks to the HTTP admin API with a bearer token

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("LAIR_HTTP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("LAIR_ADMIN_TOKEN")

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "health":
		err = cmdHealth(baseURL)
	case "stats":
		err = cmdStats(baseURL, token)
	case "users":
		err = cmdUsers(baseURL, token)
	case "audit":
		err = cmdAudit(baseURL, token)
	case "revoke":
		err = cmdRevoke(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: lair-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health          Check server liveness")
	fmt.Println("  stats           Show server statistics")
	fmt.Println("  users           List accounts")
	fmt.Println("  audit           Show recent audit entries")
	fmt.Println("  revoke <user>   Revoke all sessions of a user")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LAIR_HTTP_URL     Server base URL (default http://localhost:8080)")
	fmt.Println("  LAIR_ADMIN_TOKEN  Bearer token of an admin account")
}

// apiResponse is the server's response envelope.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one API request and decodes the envelope.
func call(method, url, token string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !body.Success {
		if body.Error != nil {
			return nil, fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return body.Data, nil
}

func cmdHealth(baseURL string) error {
	data, err := call(http.MethodGet, baseURL+"/health", "")
	if err != nil {
		return err
	}
	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		return err
	}
	color.Green("healthy")
	fmt.Printf("uptime: %s\n", health.Uptime)
	return nil
}

func cmdStats(baseURL, token string) error {
	data, err := call(http.MethodGet, baseURL+"/api/v1/admin/stats", token)
	if err != nil {
		return err
	}
	var stats struct {
		Uptime            string `json:"uptime"`
		ActiveConnections int    `json:"active_connections"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return err
	}
	fmt.Printf("uptime:             %s\n", stats.Uptime)
	fmt.Printf("active connections: %d\n", stats.ActiveConnections)
	return nil
}

func cmdUsers(baseURL, token string) error {
	data, err := call(http.MethodGet, baseURL+"/api/v1/admin/users?limit=100", token)
	if err != nil {
		return err
	}
	var payload struct {
		Users []struct {
			ID        string    `json:"id"`
			Username  string    `json:"username"`
			Email     string    `json:"email"`
			Role      string    `json:"role"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"users"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tEMAIL\tCREATED\tID")
	for _, u := range payload.Users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			u.Username, u.Role, u.Email, u.CreatedAt.Format(time.DateOnly), u.ID)
	}
	return w.Flush()
}

func cmdAudit(baseURL, token string) error {
	data, err := call(http.MethodGet, baseURL+"/api/v1/admin/audit?limit=50", token)
	if err != nil {
		return err
	}
	var payload struct {
		Entries []struct {
			ActorID   string    `json:"actor_id"`
			Action    string    `json:"action"`
			TargetID  string    `json:"target_id"`
			Outcome   string    `json:"outcome"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tOUTCOME")
	for _, e := range payload.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.ActorID, e.TargetID, e.Outcome)
	}
	return w.Flush()
}

func cmdRevoke(baseURL, token string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lair-admin revoke <user-id>")
	}
	if _, err := call(http.MethodPost, baseURL+"/api/v1/admin/users/"+args[0]+"/revoke", token); err != nil {
		return err
	}
	color.Green("sessions revoked for %s", args[0])
	return nil
}
