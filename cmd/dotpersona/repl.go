package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

const replHelp = `Commands:
  /persona                      list personas
  /persona <name>               switch to a persona
  /persona new <name> [desc]    create a persona
  /persona pause <name> [dur]   pause, optionally for a duration like 2h
  /persona resume|archive|unarchive <name>
  /persona delete <name> [--cascade]
  /alias [add <alias>|remove <query>]
  /model [<provider:model>|clear|list]
  /clear                        start a fresh context for this persona
  /history [n]                  show recent messages
  /status                       show queue and unread counts
  /save                         write a checkpoint now
  /sync push|pull               move encrypted state to or from the remote
  /quit                         save and exit
  /quit!                        exit without saving`

type quitMode int

const (
	quitNone quitMode = iota
	quitSave
	quitForce
)

// repl is the interactive terminal session.
type repl struct {
	a   *agent.Agent
	out io.Writer
	mu  sync.Mutex
}

func newREPL(a *agent.Agent, out io.Writer) *repl {
	return &repl{a: a, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dotpersona_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	r.out = rl.Stdout()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = r.a.Run(runCtx) }()
	go r.render(runCtx)

	r.printUnread()
	mode := quitSave
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				break
			}
			r.printf("Error reading input: %v\n", err)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if !strings.HasPrefix(input, "/") {
			r.a.Bus().PublishInbound(bus.InboundMessage{Content: input})
			continue
		}
		out, q, err := execCommand(ctx, r.a, input)
		if err != nil {
			r.printf("! %v\n", err)
		}
		if out != "" {
			r.printf("%s\n", out)
		}
		if q != quitNone {
			mode = q
			break
		}
	}
	cancel()
	return r.shutdown(mode)
}

func (r *repl) shutdown(mode quitMode) error {
	if mode == quitForce {
		r.a.ForceQuit()
		r.printf("Exited without saving.\n")
		return nil
	}
	r.printf("Saving...\n")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.a.Quit(ctx); err != nil {
		return err
	}
	r.printf("Goodbye!\n")
	return nil
}

// render prints persona output. Only the active persona's replies are shown
// inline; others are announced and stay unread.
func (r *repl) render(ctx context.Context) {
	streaming := false
	for {
		msg, ok := r.a.Bus().SubscribeOutbound(ctx)
		if !ok {
			return
		}
		active := msg.PersonaID == r.a.ActivePersonaID()
		switch msg.Kind {
		case bus.OutboundChunk:
			if active {
				if !streaming {
					r.printf("\n%s: ", msg.PersonaName)
					streaming = true
				}
				r.printf("%s", msg.Content)
			}
		case bus.OutboundReply:
			if !active {
				r.printf("\n(%s has a new message)\n", msg.PersonaName)
				continue
			}
			if streaming {
				r.printf("\n")
				streaming = false
			} else {
				r.printf("\n%s: %s\n", msg.PersonaName, msg.Content)
			}
			r.a.MarkRead(msg.PersonaID, msg.Timestamp)
		case bus.OutboundNotice:
			r.printf("\n* %s\n", msg.Content)
		case bus.OutboundError:
			streaming = false
			r.printf("\n! %s\n", msg.Content)
		}
	}
}

func (r *repl) printUnread() {
	for name, n := range r.a.Unread() {
		r.printf("(%s has %d unread message(s))\n", name, n)
	}
}

// execCommand runs one slash command and returns its output.
func execCommand(ctx context.Context, a *agent.Agent, line string) (string, quitMode, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return replHelp, quitNone, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help", "?":
		return replHelp, quitNone, nil
	case "quit", "exit":
		return "", quitSave, nil
	case "quit!", "exit!":
		return "", quitForce, nil
	case "persona", "p":
		return personaCommand(a, args)
	case "alias":
		return aliasCommand(a, args)
	case "model":
		return modelCommand(a, args)
	case "clear":
		return result(a.ClearContext(""))
	case "history":
		return historyCommand(a, args)
	case "status":
		return formatStatus(a.Status()), quitNone, nil
	case "save":
		meta, err := a.SaveCheckpoint(ctx)
		if err != nil {
			return "", quitNone, err
		}
		return "Saved checkpoint " + meta.ID, quitNone, nil
	case "sync":
		if len(args) != 1 {
			return "", quitNone, errors.New("usage: /sync push|pull")
		}
		switch args[0] {
		case "push":
			return result(a.SyncPush(ctx))
		case "pull":
			return result(a.SyncPull(ctx))
		}
		return "", quitNone, fmt.Errorf("unknown sync action %q", args[0])
	default:
		return "", quitNone, fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

func result(res agent.CommandResult, err error) (string, quitMode, error) {
	if err != nil {
		return res.Message, quitNone, err
	}
	if res.Info {
		return "(no change) " + res.Message, quitNone, nil
	}
	return res.Message, quitNone, nil
}

func personaCommand(a *agent.Agent, args []string) (string, quitMode, error) {
	if len(args) == 0 {
		var b strings.Builder
		for _, p := range a.ListPersonas(true) {
			marker := " "
			if p.ID == a.ActivePersonaID() {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s %s [%s] %s\n", marker, p.DisplayName, p.State, p.ShortDescription)
		}
		return strings.TrimRight(b.String(), "\n"), quitNone, nil
	}
	action := strings.ToLower(args[0])
	rest := args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("usage: /persona %s <name>", action)
		}
		return nil
	}
	switch action {
	case "new", "create":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		return result(a.CreatePersona(rest[0], strings.Join(rest[1:], " ")))
	case "pause":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		var d time.Duration
		if len(rest) > 1 {
			parsed, err := time.ParseDuration(rest[1])
			if err != nil {
				return "", quitNone, fmt.Errorf("invalid duration %q", rest[1])
			}
			d = parsed
		}
		return result(a.PausePersona(rest[0], d))
	case "resume":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		return result(a.ResumePersona(rest[0]))
	case "archive":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		return result(a.ArchivePersona(rest[0]))
	case "unarchive":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		return result(a.UnarchivePersona(rest[0]))
	case "delete":
		if err := need(1); err != nil {
			return "", quitNone, err
		}
		cascade := len(rest) > 1 && rest[1] == "--cascade"
		return result(a.DeletePersona(rest[0], cascade))
	default:
		return result(a.SwitchPersona(strings.Join(args, " ")))
	}
}

func aliasCommand(a *agent.Agent, args []string) (string, quitMode, error) {
	if len(args) == 0 {
		aliases, err := a.ListAliases("")
		if err != nil {
			return "", quitNone, err
		}
		if len(aliases) == 0 {
			return "No aliases", quitNone, nil
		}
		return strings.Join(aliases, ", "), quitNone, nil
	}
	if len(args) < 2 {
		return "", quitNone, errors.New("usage: /alias add <alias> | /alias remove <query>")
	}
	value := strings.Join(args[1:], " ")
	switch strings.ToLower(args[0]) {
	case "add":
		return result(a.AddAlias("", value))
	case "remove", "rm":
		return result(a.RemoveAlias("", value))
	default:
		return "", quitNone, fmt.Errorf("unknown alias action %q", args[0])
	}
}

func modelCommand(a *agent.Agent, args []string) (string, quitMode, error) {
	if len(args) == 0 {
		p, err := a.Registry().Get(a.ActivePersonaID())
		if err != nil {
			return "", quitNone, err
		}
		if p.ModelOverride == "" {
			return p.DisplayName + " uses the default model", quitNone, nil
		}
		return p.DisplayName + " uses " + p.ModelOverride, quitNone, nil
	}
	switch strings.ToLower(args[0]) {
	case "clear", "default":
		return result(a.ClearModel(""))
	case "list":
		var b strings.Builder
		writeModels(&b, a.ListModels())
		return strings.TrimRight(b.String(), "\n"), quitNone, nil
	default:
		return result(a.SetModel("", args[0]))
	}
}

func historyCommand(a *agent.Agent, args []string) (string, quitMode, error) {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "", quitNone, fmt.Errorf("invalid count %q", args[0])
		}
		limit = n
	}
	msgs, err := a.History("")
	if err != nil {
		return "", quitNone, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	p, err := a.Registry().Get(a.ActivePersonaID())
	if err != nil {
		return "", quitNone, err
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.IsMarker() {
			b.WriteString("----- context cleared -----\n")
			continue
		}
		speaker := "you"
		if m.Role != memory.RoleHuman {
			speaker = p.DisplayName
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), speaker, m.Content)
	}
	a.MarkRead("", time.Time{})
	return strings.TrimRight(b.String(), "\n"), quitNone, nil
}

func formatStatus(st agent.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Active: %s\n", st.Active)
	fmt.Fprintf(&b, "Personas: %d (%d archived)\n", st.Personas, st.Archived)
	fmt.Fprintf(&b, "Queued jobs: %d\n", st.Pending)
	if len(st.Running) > 0 {
		fmt.Fprintf(&b, "Working: %s\n", strings.Join(st.Running, ", "))
	}
	for name, n := range st.Unread {
		fmt.Fprintf(&b, "Unread from %s: %d\n", name, n)
	}
	fmt.Fprintf(&b, "Heartbeats: %d", st.Heartbeats)
	return b.String()
}

func writeModels(w io.Writer, models []providers.ModelInfo) {
	for _, info := range models {
		state := "no credentials"
		if info.KeyConfigured {
			state = "ready"
			if info.AuthMode != "" {
				state += " (" + info.AuthMode + ")"
			}
		}
		def := ""
		if info.Default {
			def = " [default]"
		}
		base := ""
		if info.APIBase != "" {
			base = " " + info.APIBase
		}
		fmt.Fprintf(w, "%s%s: %s%s\n", info.Provider, def, state, base)
	}
}

func printModels(w io.Writer, cfg *config.Config) {
	writeModels(w, providers.NewRouter(cfg).ListModels())
}
