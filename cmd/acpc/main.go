package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/m4xw311/acpc/auth"
	"github.com/m4xw311/acpc/client"
	"github.com/m4xw311/acpc/complete"
	"github.com/m4xw311/acpc/config"
	"github.com/m4xw311/acpc/errors"
	"github.com/m4xw311/acpc/store"
)

func main() {
	urlFlag := flag.String("url", "", "Agent WebSocket URL (overrides config)")
	cwdFlag := flag.String("cwd", "", "Working directory reported to the agent")
	loginFlag := flag.Bool("login", false, "Force a fresh device-flow login before connecting")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	agentURL := cfg.AgentURL
	if *urlFlag != "" {
		agentURL = *urlFlag
	}
	if agentURL == "" {
		fmt.Fprintln(os.Stderr, "No agent URL. Set agent_url in config or pass -url.")
		os.Exit(1)
	}

	trace := func(string) {}
	if *traceFlag {
		traceFile, _ := os.OpenFile("acpc.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if traceFile != nil {
			defer traceFile.Close()
			trace = func(msg string) {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	ctx := context.Background()

	var token string
	if cfg.AuthURL != "" {
		authClient := auth.New(cfg.AuthURL, cfg.StateDir)
		if *loginFlag {
			authClient.Logout()
		}
		tok, err := authClient.Login(ctx, func(code, uri string) {
			fmt.Printf("To authorize this client, visit %s and enter code: %s\n", uri, code)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %+v\n", err)
			os.Exit(1)
		}
		token = tok.AccessToken
	}

	ui := &consoleUI{printed: make(map[string]int)}
	c := client.New(cfg, client.Callbacks{
		OnStateChange:       ui.onState,
		OnSessionChange:     func(id string) { ui.onSession(id) },
		OnPermissionRequest: ui.onPermission,
		OnDiagnostic:        func(msg string) { fmt.Printf("! %s\n", msg) },
	})
	ui.client = c
	c.SetTrace(trace)
	c.SetToken(token)
	c.SetCwd(*cwdFlag)

	if err := c.Connect(ctx, agentURL); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %+v\n", err)
		os.Exit(1)
	}

	var completer *complete.Client
	if cfg.CompletionURL != "" {
		completer, err = complete.New(cfg.CompletionURL, token, cfg.CompletionModel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Completion endpoint disabled: %+v\n", err)
		}
	}

	fmt.Println("acpc is ready. Type a prompt, or /help for commands.")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendPrompt("", line); err != nil {
				if errors.Is(err, errors.ErrNoSession) {
					fmt.Println("No session. Use /new to start one.")
				} else {
					fmt.Printf("Error: %v\n", err)
				}
			}
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/help":
			fmt.Println("/new  /sessions  /use <id>  /close [id]  /mode <mode>  /plan  /diffs")
			fmt.Println("/allow  /deny  /connect  /complete <prompt>  /quit")
		case "/new":
			if err := c.StartSession(arg, nil); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		case "/sessions":
			active := c.Registry().Active()
			for _, id := range c.Registry().Known() {
				marker := " "
				if id == active {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, id)
			}
		case "/use":
			if err := c.SelectSession(arg); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		case "/close":
			if err := c.CloseSession(arg); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		case "/mode":
			if err := c.SetMode("", arg); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		case "/plan":
			ui.printPlan()
		case "/diffs":
			ui.printDiffs()
		case "/allow":
			ui.answerOldest("allow")
		case "/deny":
			ui.answerOldest("reject")
		case "/connect":
			// Reconnection is always caller-triggered; this re-runs the
			// full resume sequence.
			if err := c.Connect(ctx, agentURL); err != nil {
				fmt.Printf("Connect failed: %v\n", err)
			}
		case "/complete":
			if completer == nil {
				fmt.Println("No completion endpoint configured.")
				continue
			}
			text, err := completer.Complete(ctx, arg)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Println(text)
		case "/quit":
			c.Disconnect()
			return
		default:
			fmt.Printf("Unknown command %s\n", cmd)
		}
	}
}

// consoleUI is the thin renderer: it prints transcript and terminal lines
// as they land in the store, tracking how much of each session it has
// already shown.
type consoleUI struct {
	client   *client.Client
	printed  map[string]int // sessionID -> chat messages printed
	terminal map[string]int // sessionID -> terminal lines printed
}

func (u *consoleUI) onState(s client.State) {
	fmt.Printf("[connection %s]\n", s)
}

func (u *consoleUI) onSession(id string) {
	sess, ok := u.client.Store().Snapshot(id)
	if !ok {
		fmt.Printf("[session %s closed]\n", id)
		delete(u.printed, id)
		return
	}
	for _, msg := range sess.Messages[u.printed[id]:] {
		fmt.Printf("%s: %s\n", msg.From, msg.Text)
	}
	u.printed[id] = len(sess.Messages)
	if u.terminal == nil {
		u.terminal = make(map[string]int)
	}
	for _, line := range sess.Terminal[u.terminal[id]:] {
		fmt.Printf("  | %s\n", line)
	}
	u.terminal[id] = len(sess.Terminal)
}

func (u *consoleUI) onPermission(pr client.PermissionRequest) {
	fmt.Printf("Permission requested by tool '%s'", pr.Tool)
	if pr.Reason != "" {
		fmt.Printf(" (%s)", pr.Reason)
	}
	fmt.Println()
	for _, opt := range pr.Options {
		fmt.Printf("  - %s %s\n", opt.ID(), opt.Title())
	}
	fmt.Println("Answer with /allow or /deny.")
}

func (u *consoleUI) answerOldest(choice string) {
	pending := u.client.Permissions().Pending()
	if len(pending) == 0 {
		fmt.Println("No pending permission requests.")
		return
	}
	if err := u.client.Permissions().Resolve(pending[0].LocalID, choice); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func (u *consoleUI) printPlan() {
	sess, ok := u.snapshot()
	if !ok {
		return
	}
	if len(sess.Plan) == 0 {
		fmt.Println("No plan.")
		return
	}
	for _, item := range sess.Plan {
		marker := "[ ]"
		switch item.Status {
		case store.PlanInProgress:
			marker = "[~]"
		case store.PlanCompleted:
			marker = "[x]"
		}
		fmt.Printf("%s %s\n", marker, item.Title)
	}
}

func (u *consoleUI) printDiffs() {
	sess, ok := u.snapshot()
	if !ok {
		return
	}
	if len(sess.Diffs) == 0 {
		fmt.Println("No diffs.")
		return
	}
	for _, d := range sess.Diffs {
		fmt.Printf("--- %s ---\n%s\n", d.Path, d.DiffText)
	}
}

func (u *consoleUI) snapshot() (store.Session, bool) {
	id := u.client.CurrentSession()
	if id == "" {
		fmt.Println("No session. Use /new to start one.")
		return store.Session{}, false
	}
	sess, ok := u.client.Store().Snapshot(id)
	if !ok {
		fmt.Println("No session state yet.")
	}
	return sess, ok
}
