package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type client struct {
	server     string
	collection string
	iterations int
	http       *http.Client
}

func main() {
	server := flag.String("server", "http://localhost:3210", "CogLoop server URL")
	collection := flag.String("collection", "default", "Memory collection to work in")
	iterations := flag.Int("n", 3, "Think iterations per question")
	seed := flag.String("seed", "", "File of cognitions to add, one per line, before starting")
	flag.Parse()

	c := &client{
		server:     strings.TrimRight(*server, "/"),
		collection: *collection,
		iterations: *iterations,
		http:       &http.Client{Timeout: 10 * time.Minute},
	}

	fmt.Println("CogLoop CLI")
	fmt.Printf("Server: %s | Collection: %s\n", c.server, c.collection)
	fmt.Println("Type a question to think about it. 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /health, /add <text>, /seed <file>, /recall <query>, /use <collection>, /n <iterations>, /clear, /schedules")
	fmt.Println("---")

	if *seed != "" {
		c.seedFile(*seed)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if !strings.HasPrefix(input, "/") {
			c.think(input)
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/health":
			c.health()
		case "/add":
			c.add([]string{arg})
		case "/seed":
			c.seedFile(arg)
		case "/recall":
			c.recall(arg)
		case "/use":
			if arg != "" {
				c.collection = arg
				fmt.Printf("Collection: %s\n", c.collection)
			}
		case "/n":
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				c.iterations = n
				fmt.Printf("Iterations: %d\n", n)
			} else {
				printError("Usage: /n <positive number>")
			}
		case "/clear":
			c.clear()
		case "/schedules":
			c.schedules()
		default:
			printError("Unknown command %s", cmd)
		}
	}
}

func (c *client) do(method, path string, body, out interface{}) bool {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.server+path, rd)
	if err != nil {
		printError("Bad request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func (c *client) collectionPath(suffix string) string {
	return "/api/collections/" + c.collection + suffix
}

func (c *client) health() {
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	// A degraded server answers 503 with the same body.
	resp, err := c.http.Get(c.server + "/api/health")
	if err != nil {
		printError("Failed to fetch health: %v", err)
		return
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		printError("Failed to parse health: %v", err)
		return
	}
	fmt.Printf("Status: %s\n", body.Status)
	for name, state := range body.Components {
		icon := "\033[32m✓\033[0m"
		if state != "ok" {
			icon = "\033[31m✗\033[0m"
		}
		fmt.Printf("  %s %s", icon, name)
		if state != "ok" {
			fmt.Printf(" \033[31m(%s)\033[0m", state)
		}
		fmt.Println()
	}
}

func (c *client) add(contents []string) {
	units := make([]map[string]string, 0, len(contents))
	for _, s := range contents {
		if s = strings.TrimSpace(s); s != "" {
			units = append(units, map[string]string{"content": s})
		}
	}
	if len(units) == 0 {
		printError("Nothing to add")
		return
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	if c.do("POST", c.collectionPath("/units"), map[string]any{"units": units}, &out) {
		fmt.Printf("Added %d cognitions to %s\n", len(out.IDs), c.collection)
	}
}

func (c *client) seedFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		printError("Failed to read %s: %v", path, err)
		return
	}
	c.add(strings.Split(string(data), "\n"))
}

func (c *client) recall(query string) {
	if query == "" {
		printError("Usage: /recall <query>")
		return
	}
	var res struct {
		All []struct {
			ID      string  `json:"id"`
			Content string  `json:"content"`
			Weight  float64 `json:"weight"`
			Score   float64 `json:"score"`
		} `json:"all_results"`
		Activated []struct {
			ID string `json:"id"`
		} `json:"activated"`
	}
	if !c.do("POST", c.collectionPath("/recall"), map[string]string{"query": query}, &res) {
		return
	}
	active := make(map[string]bool, len(res.Activated))
	for _, a := range res.Activated {
		active[a.ID] = true
	}
	if len(res.All) == 0 {
		fmt.Println("Nothing recalled.")
		return
	}
	for i, u := range res.All {
		mark := " "
		if active[u.ID] {
			mark = "\033[32m*\033[0m"
		}
		fmt.Printf("%s %d. %s \033[90m(weight %.3f, score %.3f)\033[0m\n", mark, i+1, u.Content, u.Weight, u.Score)
	}
}

func (c *client) think(input string) {
	var out struct {
		CollectionID string `json:"collection_id"`
		Records      []struct {
			NextThought    string   `json:"next_thought"`
			ActivatedIDs   []string `json:"activated_cog_ids"`
			Log            string   `json:"log"`
			GeneratedTexts []string `json:"generated_cog_texts"`
			FunctionCalls  []struct {
				Name string `json:"name"`
			} `json:"function_calls"`
		} `json:"records"`
	}
	body := map[string]any{"input": input, "max_iterations": c.iterations}
	if !c.do("POST", c.collectionPath("/think"), body, &out) {
		return
	}
	for i, r := range out.Records {
		fmt.Printf("\033[36m[cycle %d]\033[0m %s\n", i+1, r.Log)
		for _, g := range r.GeneratedTexts {
			fmt.Printf("  + %s\n", g)
		}
		for _, f := range r.FunctionCalls {
			fmt.Printf("  ! %s\n", f.Name)
		}
		if r.NextThought != "" {
			fmt.Printf("  \033[90m→ %s\033[0m\n", r.NextThought)
		}
	}
}

func (c *client) clear() {
	var out struct {
		Removed int `json:"removed"`
	}
	if c.do("DELETE", c.collectionPath(""), nil, &out) {
		fmt.Printf("Removed %d cognitions from %s\n", out.Removed, c.collection)
	}
}

func (c *client) schedules() {
	var st []struct {
		Name    string    `json:"name"`
		Spec    string    `json:"spec"`
		Next    time.Time `json:"next"`
		Runs    int       `json:"runs"`
		LastErr string    `json:"last_error"`
	}
	if !c.do("GET", "/api/schedules", nil, &st) {
		return
	}
	if len(st) == 0 {
		fmt.Println("No scheduled sessions.")
		return
	}
	for _, s := range st {
		fmt.Printf("  %s (%s) runs=%d next=%s", s.Name, s.Spec, s.Runs, s.Next.Format(time.RFC3339))
		if s.LastErr != "" {
			fmt.Printf(" \033[31m(%s)\033[0m", s.LastErr)
		}
		fmt.Println()
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
