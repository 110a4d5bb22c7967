package main

import (
	"bufio"
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

	"github.com/dotsetgreg/loreweaver/pkg/bus"
	"github.com/dotsetgreg/loreweaver/pkg/config"
	"github.com/dotsetgreg/loreweaver/pkg/logger"
	"github.com/dotsetgreg/loreweaver/pkg/narrator"
	"github.com/dotsetgreg/loreweaver/pkg/providers"
	"github.com/dotsetgreg/loreweaver/pkg/sessionstore"
)

// engine wires the narrator to its backend, event bus, and session store for
// the lifetime of one CLI invocation.
type engine struct {
	orch   *narrator.Orchestrator
	events *bus.EventBus
	store  *sessionstore.SQLiteStore
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	backend, err := providers.CreateBackend(cfg)
	if err != nil {
		return nil, err
	}

	events := bus.NewEventBus()
	events.Subscribe(bus.TopicNarrativeGenerated, func(ev bus.TurnEvent) {
		logger.DebugCF("play", "Turn generated", map[string]interface{}{
			"session":  ev.SessionID,
			"turn":     ev.Turn,
			"backend":  ev.Backend,
			"attempts": ev.Attempts,
			"filtered": ev.ContentFiltered,
		})
	})
	events.Subscribe(bus.TopicGenerationFallback, func(ev bus.TurnEvent) {
		logger.WarnCF("play", "Turn fell back to the default narrative", map[string]interface{}{
			"session":  ev.SessionID,
			"turn":     ev.Turn,
			"backend":  ev.Backend,
			"attempts": ev.Attempts,
		})
	})

	orch, err := narrator.FromConfig(ctx, cfg, backend, events)
	if err != nil {
		events.Close()
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		events.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &engine{orch: orch, events: events, store: store, cancel: cancel}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = events.Run(runCtx)
	}()

	if schedule := strings.TrimSpace(cfg.Store.JanitorSchedule); schedule != "" {
		janitor, err := sessionstore.NewJanitor(schedule, store)
		if err != nil {
			logger.WarnCF("play", "Session janitor disabled", map[string]interface{}{"error": err.Error()})
		} else {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				_ = janitor.Run(runCtx)
			}()
		}
	}

	return e, nil
}

func (e *engine) Close() {
	e.events.Close()
	e.cancel()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		logger.WarnCF("play", "Failed to close session store", map[string]interface{}{"error": err.Error()})
	}
}

// session loads the stored state for id, or starts a new session.
func (e *engine) session(ctx context.Context, id string) (*narrator.Session, error) {
	state, found, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return e.orch.NewSession(id), nil
	}
	sess, err := e.orch.RestoreSession(id, state)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	logger.InfoCF("play", "Session restored", map[string]interface{}{
		"session":  id,
		"location": state.CurrentLocation,
	})
	return sess, nil
}

// turn plays one choice, prints the result, and persists the session.
func (e *engine) turn(ctx context.Context, out io.Writer, sess *narrator.Session, choice string) (narrator.Response, error) {
	t := e.orch.RunTurn(ctx, sess, narrator.TurnRequest{Choice: choice})
	printTurn(out, t)
	if t.Aborted {
		return t.Response, ctx.Err()
	}

	// Saving must survive an interrupt that arrives right after generation.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	state, err := sess.State(saveCtx)
	if err != nil {
		return t.Response, err
	}
	if err := e.store.Save(saveCtx, sess.ID, state); err != nil {
		return t.Response, fmt.Errorf("save session: %w", err)
	}
	return t.Response, nil
}

func printTurn(out io.Writer, t narrator.Turn) {
	r := t.Response
	fmt.Fprintf(out, "\n[%s] %s\n\n", r.Location, r.Narrative)
	for i, c := range r.Choices {
		fmt.Fprintf(out, "  %d. %s\n", i+1, c)
	}
	fmt.Fprintln(out)
}

// resolveChoice turns "1".."3" into the matching offered choice.
func resolveChoice(input string, last []string) string {
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(last) {
		return input
	}
	return last[n-1]
}

func (e *engine) interactive(ctx context.Context, out io.Writer, sess *narrator.Session) error {
	fmt.Fprintf(out, "%s session %s. Type a choice or its number, \"exit\" to leave.\n\n", appName, sess.ID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".loreweaver_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		logger.WarnCF("play", "Readline unavailable, using plain input", map[string]interface{}{"error": err.Error()})
		return e.loop(ctx, out, sess, bufferedReader(os.Stdin, out))
	}
	defer rl.Close()

	return e.loop(ctx, out, sess, func() (string, error) {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return line, err
	})
}

func bufferedReader(in io.Reader, out io.Writer) func() (string, error) {
	reader := bufio.NewReader(in)
	return func() (string, error) {
		fmt.Fprint(out, "> ")
		return reader.ReadString('\n')
	}
}

func (e *engine) loop(ctx context.Context, out io.Writer, sess *narrator.Session, next func() (string, error)) error {
	var last []string
	for {
		line, err := next()
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		resp, err := e.turn(ctx, out, sess, resolveChoice(input, last))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		last = resp.Choices
	}
}
