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
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskswarm/internal/domain"
	"taskswarm/internal/taskgraph"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedServer struct {
	cmd *exec.Cmd
}

type runStatus struct {
	Running bool   `json:"running"`
	Owner   string `json:"owner"`
	Error   string `json:"error"`
	Last    *struct {
		Status string `json:"status"`
		Waves  []struct {
			Number int `json:"number"`
		} `json:"waves"`
	} `json:"last"`
}

type criticalPath struct {
	Path     []string `json:"path"`
	Subjects []string `json:"subjects"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "taskswarm base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start taskswarm in the same monitor process lifecycle")
	serverBinary := flag.String("taskswarm-bin", "", "path to taskswarm binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded taskswarm")
	demo := flag.Bool("demo", true, "seed the research swarm in embedded mode")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedServer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedServer(*addr, *serverBinary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded taskswarm: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "taskswarm health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+R run, F5 refresh, F10 quit)").SetBorder(true)

	graphView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	graphView.SetTitle("Graph").SetBorder(true)

	pathView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	pathView.SetTitle("Critical Path").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("New task: ")
	promptInput.SetBorder(true).SetTitle("Enter = create task (\"after 1,2: subject\" adds dependencies)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+R run, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(graphView, 0, 3, false).
		AddItem(pathView, 4, 0, false).
		AddItem(eventsView, 0, 2, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshOverview := func() {
		tasks, err := c.listTasks()
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sortTasks(tasks)
		lastTasks = tasks

		graphText, graphErr := c.getText("/graph")
		var path criticalPath
		pathErr := c.getJSON("/critical-path", &path)
		var events []domain.Event
		eventsErr := c.getJSON("/events?limit=200", &events)
		var run runStatus
		runErr := c.getJSON("/run", &run)

		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
			if graphErr != nil {
				graphView.SetText(fmt.Sprintf("error: %v", graphErr))
			} else {
				graphView.SetText(graphText)
			}
			if pathErr != nil {
				pathView.SetText(fmt.Sprintf("error: %v", pathErr))
			} else {
				pathView.SetText(renderCriticalPath(path))
			}
			if eventsErr != nil {
				eventsView.SetText(fmt.Sprintf("error: %v", eventsErr))
			} else {
				eventsView.SetText(renderEvents(events))
				eventsView.ScrollToEnd()
			}
			if runErr == nil {
				statusView.SetText(renderRunStatus(run, len(tasks)))
			}
		})
	}

	refreshDecisionsAsync := func(taskID string) {
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			path := "/decisions?limit=250"
			if selected != "" {
				path += "&task_id=" + url.QueryEscape(selected)
			}
			var items []domain.DecisionLog
			err := c.getJSON(path, &items)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				title := "Decisions"
				if selected != "" {
					title = "Decisions #" + selected
				}
				decisionsView.SetTitle(title)
				if err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				decisionsView.SetText(renderDecisions(items))
			})
		}(taskID, version)
	}

	submitPrompt := func(prompt string) {
		subject, deps := parsePrompt(prompt)
		if subject == "" {
			return
		}
		setStatusUI("Creating task...")
		promptInput.SetText("")
		go func() {
			task, err := c.createTask(subject, deps)
			if err != nil {
				setStatusAsync("Failed to create task: " + err.Error())
				return
			}
			selectedTaskID = task.ID
			refreshOverview()
			refreshDecisionsAsync(selectedTaskID)
			setStatusAsync("Task created: #" + task.ID)
		}()
	}

	startRun := func() {
		setStatusUI("Starting swarm run...")
		go func() {
			var out map[string]any
			if err := c.postJSON("/run", nil, &out); err != nil {
				setStatusAsync("Run not started: " + err.Error())
				return
			}
			setStatusAsync(fmt.Sprintf("Run started owner=%v", out["owner"]))
			refreshOverview()
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDecisionsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshOverview()
			refreshDecisionsAsync(selectedTaskID)
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlR:
			startRun()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(tasksTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune && app.GetFocus() != promptInput {
			app.SetFocus(promptInput)
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshOverview()
		refreshDecisionsAsync(selectedTaskID)
		for range ticker.C {
			refreshOverview()
			refreshDecisionsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string, demo bool) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	args := []string{"--addr", ":" + port, "--store", "sqlite", "--db", dbPath}
	if demo {
		args = append(args, "--demo")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			for _, name := range []string{"taskswarm", "taskswarm.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/taskswarm"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start taskswarm process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

// parsePrompt splits "after 1,2: subject" into a subject and dependency ids.
// Anything else is taken as a plain subject.
func parsePrompt(prompt string) (string, []string) {
	prompt = strings.TrimSpace(prompt)
	lower := strings.ToLower(prompt)
	if !strings.HasPrefix(lower, "after ") {
		return prompt, nil
	}
	head, subject, ok := strings.Cut(prompt[len("after "):], ":")
	if !ok {
		return prompt, nil
	}
	var deps []string
	for _, part := range strings.FieldsFunc(head, func(r rune) bool { return r == ',' || r == ' ' }) {
		deps = append(deps, strings.TrimPrefix(part, "#"))
	}
	return strings.TrimSpace(subject), deps
}

func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return taskgraph.LessID(tasks[i].ID, tasks[j].ID)
	})
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Agent", "Owner", "Needs", "Subject"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell("#"+t.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.MetadataString("agent_type")))
		table.SetCell(row, 3, tview.NewTableCell(t.Owner))
		table.SetCell(row, 4, tview.NewTableCell(strings.Join(t.BlockedBy, ",")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Subject, 48)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status domain.TaskStatus) tcell.Color {
	switch status {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusInProgress:
		return tcell.ColorYellow
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderCriticalPath(path criticalPath) string {
	if len(path.Path) == 0 {
		return "No tasks"
	}
	parts := make([]string, 0, len(path.Path))
	for i, id := range path.Path {
		subject := ""
		if i < len(path.Subjects) {
			subject = " " + trimLine(path.Subjects[i], 24)
		}
		parts = append(parts, "#"+id+subject)
	}
	return fmt.Sprintf("length=%d  %s", len(path.Path), strings.Join(parts, " -> "))
}

func renderEvents(items []domain.Event) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range items {
		fmt.Fprintf(&b, "[%s] %s", e.CreatedAt.Format("15:04:05"), e.Kind)
		if e.Wave > 0 {
			fmt.Fprintf(&b, " wave=%d", e.Wave)
		}
		if e.TaskID != "" {
			fmt.Fprintf(&b, " #%s", e.TaskID)
		}
		if len(e.TaskIDs) > 0 {
			fmt.Fprintf(&b, " tasks=%s", strings.Join(e.TaskIDs, ","))
		}
		if e.Executor != "" {
			fmt.Fprintf(&b, " via=%s", e.Executor)
		}
		if e.Status != "" {
			fmt.Fprintf(&b, " status=%s", e.Status)
		}
		b.WriteString("\n")
		if e.Error != "" {
			b.WriteString("  error: " + trimLine(e.Error, 120) + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s", d.CreatedAt.Format("15:04:05"), d.Actor, d.Action)
		if d.TaskID != "" {
			fmt.Fprintf(&b, " #%s", d.TaskID)
		}
		b.WriteString("\n")
		if d.Reason != "" {
			b.WriteString("  reason: " + trimLine(d.Reason, 100) + "\n")
		}
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderRunStatus(run runStatus, taskCount int) string {
	if run.Running {
		return fmt.Sprintf("[yellow]running[-] owner=%s tasks=%d", run.Owner, taskCount)
	}
	if run.Last == nil {
		return fmt.Sprintf("idle tasks=%d (Ctrl+R to run)", taskCount)
	}
	line := fmt.Sprintf("last run %s owner=%s waves=%d tasks=%d", run.Last.Status, run.Owner, len(run.Last.Waves), taskCount)
	if run.Error != "" {
		line += "  [red]" + tview.Escape(trimLine(run.Error, 120)) + "[-]"
	}
	return line
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func (c *client) createTask(subject string, deps []string) (domain.Task, error) {
	var task domain.Task
	err := c.postJSON("/tasks", map[string]any{
		"subject":    subject,
		"blocked_by": deps,
	}, &task)
	return task, err
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getText(path string) (string, error) {
	body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *client) getJSON(path string, out any) error {
	body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	body, err := c.do(http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *client) do(method, path string, payload io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
