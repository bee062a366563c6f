// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// StatusResponse matches GET /status.
type StatusResponse struct {
	SessionID          string `json:"session_id"`
	TasksStarted       uint64 `json:"tasks_started"`
	TasksSucceeded     uint64 `json:"tasks_succeeded"`
	TasksFailed        uint64 `json:"tasks_failed"`
	TasksStopped       uint64 `json:"tasks_stopped"`
	AdmissionsRejected uint64 `json:"admissions_rejected"`
	RunningTasks       int    `json:"running_tasks"`
	MaxConcurrent      int    `json:"max_concurrent"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (burst, batch, stop)")
	count := flag.Int("count", 10, "Number of tasks to request")
	command := flag.String("command", "sleep 2", "Command for burst and stop suites")
	batchType := flag.String("type", "verify", "Task type for the batch suite")
	dbHost := flag.String("db_host", "", "Database host for the run history report (optional)")
	apiHost := flag.String("api_host", "localhost", "Runner API host")
	apiPort := flag.String("api_port", "8080", "Runner API port")
	token := flag.String("token", os.Getenv("API_TOKEN"), "Bearer token for mutating routes")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[burst|batch|stop]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	c := &client{
		base:  fmt.Sprintf("http://%s:%s", *apiHost, *apiPort),
		token: *token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	fmt.Printf("\n%s%s %s RUNNER BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initial, err := c.status()
	if err != nil {
		fmt.Printf("%s[ERR]%s Runner not reachable: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}

	startTime := time.Now()
	switch *suite {
	case "burst", "stop":
		accepted, rejected := c.burst(*command, *count)
		fmt.Printf("%s[OK]%s %d tasks admitted, %s%d rejected%s at ceiling %d.\n\n",
			colorGreen, colorReset, accepted, colorYellow, rejected, colorReset, initial.MaxConcurrent)
		if *suite == "stop" {
			time.Sleep(500 * time.Millisecond)
			if err := c.post("/tasks/stop", nil, http.StatusOK); err != nil {
				fmt.Printf("%s[ERR]%s Stop all failed: %v\n", colorRed, colorReset, err)
				os.Exit(1)
			}
		}
	case "batch":
		body := map[string]any{"type": *batchType, "count": *count}
		if err := c.post("/batches", body, http.StatusAccepted); err != nil {
			fmt.Printf("%s[ERR]%s Batch launch failed: %v\n", colorRed, colorReset, err)
			os.Exit(1)
		}
		fmt.Printf("%s[OK]%s Batch of %d %s tasks requested.\n\n", colorGreen, colorReset, *count, *batchType)
	default:
		fmt.Printf("%sUnknown suite %q%s\n", colorRed, *suite, colorReset)
		os.Exit(1)
	}

	final := c.monitor(initial, startTime)
	printReport(final, initial, time.Since(startTime))

	if *dbHost != "" {
		printHistory(*dbHost, final.SessionID)
	}
}

// burst fires count start requests as fast as possible.
func (c *client) burst(command string, count int) (accepted, rejected int) {
	for i := 0; i < count; i++ {
		body := map[string]string{"name": fmt.Sprintf("bench #%d", i+1), "command": command}
		err := c.post("/tasks", body, http.StatusCreated)
		if err != nil {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected
}

func (c *client) monitor(initial StatusResponse, startTime time.Time) StatusResponse {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "SUCCEEDED", "FAILED", "STOPPED", "RUNNING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := c.status()
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaFailed := stats.TasksFailed - initial.TasksFailed
		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %-10d %s%-10d%s",
			elapsed,
			colorGreen, stats.TasksSucceeded-initial.TasksSucceeded, colorReset,
			statusColor, deltaFailed, colorReset,
			stats.TasksStopped-initial.TasksStopped,
			colorYellow, stats.RunningTasks, colorReset,
		)

		if stats.RunningTasks == 0 && stats.TasksStarted > initial.TasksStarted {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed %s%s\n", colorGreen, colorBold, "✓", colorReset)
			return stats
		}
	}
	return initial
}

func (c *client) status() (StatusResponse, error) {
	resp, err := c.http.Get(c.base + "/status")
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	var stats StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatusResponse{}, err
	}
	return stats, nil
}

func (c *client) post(path string, body any, want int) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}

func printReport(final, initial StatusResponse, duration time.Duration) {
	started := final.TasksStarted - initial.TasksStarted
	succeeded := final.TasksSucceeded - initial.TasksSucceeded
	failed := final.TasksFailed - initial.TasksFailed
	stopped := final.TasksStopped - initial.TasksStopped
	rejected := final.AdmissionsRejected - initial.AdmissionsRejected

	successRate := 100.0
	if finished := succeeded + failed + stopped; finished > 0 {
		successRate = float64(succeeded) / float64(finished) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Tasks Started:", fmt.Sprintf("%d", started))
	fmt.Printf(lineFmt+"\n", "  - Succeeded:", fmt.Sprintf("%d", succeeded))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt+"\n", "  - Stopped:", fmt.Sprintf("%d", stopped))
	fmt.Printf(lineFmt+"\n", "Rejected:", fmt.Sprintf("%d", rejected))
	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput:", fmt.Sprintf("%.2f tasks/sec", float64(started)/duration.Seconds()))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}

// printHistory reads the session's rows from the runner's run history.
func printHistory(dbHost, sessionID string) {
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "runner"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, dbHost)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%s[WARN]%s Failed to connect to DB: %v\n", colorYellow, colorReset, err)
		return
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT COALESCE(outcome, status), COUNT(*)
		FROM task_runs
		WHERE session_id = $1
		GROUP BY 1
		ORDER BY 1`, sessionID)
	if err != nil {
		fmt.Printf("%s[WARN]%s Failed to query run history: %v\n", colorYellow, colorReset, err)
		return
	}
	defer rows.Close()

	fmt.Printf("\n%sRun history for session %s%s\n", colorBold, sessionID, colorReset)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			fmt.Printf("%s[WARN]%s %v\n", colorYellow, colorReset, err)
			return
		}
		fmt.Printf("  %-14s %d\n", outcome, n)
	}
}
