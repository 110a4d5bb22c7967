package narrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dotsetgreg/loreweaver/pkg/bus"
	"github.com/dotsetgreg/loreweaver/pkg/config"
	"github.com/dotsetgreg/loreweaver/pkg/logger"
	"github.com/dotsetgreg/loreweaver/pkg/memory"
	"github.com/dotsetgreg/loreweaver/pkg/providers"
	"github.com/dotsetgreg/loreweaver/pkg/router"
	"github.com/dotsetgreg/loreweaver/pkg/safety"
	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

const fallbackEventDescription = "Incident technique: le récit a continué avec une réponse de secours."

// State is a step of the per-turn pipeline.
type State int

const (
	StatePreFilter State = iota
	StateMemoryUpdate
	StateContextBuild
	StateBackendSelect
	StateGenerate
	StateParse
	StatePostFilter
	StateMemoryUpdatePost
	StateDone
)

var stateNames = [...]string{
	"PRE_FILTER",
	"MEMORY_UPDATE",
	"CONTEXT_BUILD",
	"BACKEND_SELECT",
	"GENERATE",
	"PARSE",
	"POST_FILTER",
	"MEMORY_UPDATE_POST",
	"DONE",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// TurnRequest is the turn API input from the transport layer.
type TurnRequest struct {
	Context        string
	History        []string
	Choice         string
	BlacklistWords []string
}

// Turn is a Response plus what happened while producing it.
type Turn struct {
	ID            string
	Number        int
	Response      Response
	Kind          router.TaskKind
	Backend       string
	Attempts      int
	Fallback      bool
	Aborted       bool
	InputFiltered bool
}

type Options struct {
	MaxRetries         int
	BackoffBase        time.Duration
	MinEventImportance int
	SystemPrompt       string
	StartingLocation   string
	History            memory.HistoryOptions
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:         cfg.Generation.MaxRetries,
		BackoffBase:        time.Duration(cfg.Generation.BackoffBaseMS) * time.Millisecond,
		MinEventImportance: cfg.Generation.MinEventImportance,
		SystemPrompt:       cfg.SystemPrompt,
		StartingLocation:   cfg.Memory.StartingLocation,
		History:            memory.HistoryOptionsFromConfig(cfg.Memory),
	}
}

// Orchestrator is built once at startup and shared by every session. It
// holds no per-session state.
type Orchestrator struct {
	opts     Options
	filter   *safety.Filter
	registry *router.Registry
	gen      providers.Generator
	events   *bus.EventBus

	onState func(State)
}

// New wires the turn pipeline. events may be nil.
func New(opts Options, filter *safety.Filter, registry *router.Registry, gen providers.Generator, events *bus.EventBus) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if filter == nil {
		filter = safety.New(safety.Options{})
	}
	if registry == nil {
		registry = router.NewRegistry(router.DefaultFallbackBackend)
	}
	return &Orchestrator{
		opts:     opts,
		filter:   filter,
		registry: registry,
		gen:      gen,
		events:   events,
	}
}

// FromConfig builds the filter and registry from cfg. backend generates and
// also serves model discovery when enabled.
func FromConfig(ctx context.Context, cfg *config.Config, backend providers.Backend, events *bus.EventBus) (*Orchestrator, error) {
	var lister router.ModelLister
	if backend != nil {
		lister = backend
	}
	registry, err := router.FromConfig(ctx, cfg.Backends, cfg.Generation, lister)
	if err != nil {
		return nil, err
	}
	filter := safety.New(safety.OptionsFromConfig(cfg.Safety))
	var gen providers.Generator
	if backend != nil {
		gen = backend
	}
	return New(OptionsFromConfig(cfg), filter, registry, gen, events), nil
}

func (o *Orchestrator) Registry() *router.Registry { return o.registry }
func (o *Orchestrator) Filter() *safety.Filter     { return o.filter }

// NewSession starts a fresh session. An empty id gets a generated one.
func (o *Orchestrator) NewSession(id string) *Session {
	return newSession(id, o.opts.StartingLocation, o.opts.History)
}

// RestoreSession rebuilds a session from a stored state.
func (o *Orchestrator) RestoreSession(id string, state SessionState) (*Session, error) {
	return restoreSession(id, state, o.opts.StartingLocation, o.opts.History)
}

// Generate runs one turn and always returns a displayable payload. It waits
// for any turn already running on the same session.
func (o *Orchestrator) Generate(ctx context.Context, s *Session, req TurnRequest) Response {
	return o.RunTurn(ctx, s, req).Response
}

// TryGenerate is Generate without queueing: a busy session yields
// ErrTurnInProgress and is left untouched.
func (o *Orchestrator) TryGenerate(ctx context.Context, s *Session, req TurnRequest) (Response, error) {
	if !s.sem.TryAcquire(1) {
		return Response{}, ErrTurnInProgress
	}
	defer s.sem.Release(1)
	return o.runTurn(ctx, s, req).Response, nil
}

// RunTurn is Generate with the turn metadata.
func (o *Orchestrator) RunTurn(ctx context.Context, s *Session, req TurnRequest) Turn {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		logger.InfoCF("narrator", "Turn abandoned before start", map[string]interface{}{
			"session": s.ID,
			"error":   err.Error(),
		})
		return Turn{ID: uuid.NewString(), Response: FallbackResponse(s.LastLocation()), Fallback: true, Aborted: true}
	}
	defer s.sem.Release(1)
	return o.runTurn(ctx, s, req)
}

type generated struct {
	resp Response
	sel  router.Selection
}

func (o *Orchestrator) enter(st State) {
	if o.onState != nil {
		o.onState(st)
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, s *Session, req TurnRequest) Turn {
	t := Turn{ID: uuid.NewString()}
	defer s.noteLocation()

	o.enter(StatePreFilter)
	in := o.filter.FilterInput(req.Choice, req.BlacklistWords...)
	choice := in.Filtered
	t.InputFiltered = in.Flagged()

	if strings.TrimSpace(req.Context) != "" {
		s.context = req.Context
	}
	if s.hist.Len() == 0 && len(req.History) > 0 {
		s.hist = memory.NewHistoryFrom(o.opts.History, req.History)
	}

	o.enter(StateMemoryUpdate)
	t.Number = s.mem.AdvanceTurn()
	s.mem.Observe(choice, t.Number)

	o.enter(StateContextBuild)
	system := firstNonEmpty(s.context, o.opts.SystemPrompt)
	prompt := BuildPrompt(system, s.hist.SmartContext(s.mem), choice)

	result, err := backoff.Retry(ctx, func() (generated, error) {
		t.Attempts++
		return o.attempt(ctx, prompt, choice, s.context, t.Attempts)
	},
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(o.opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
	)

	if ctx.Err() != nil {
		t.Aborted = true
		t.Fallback = true
		t.Response = FallbackResponse(s.mem.CurrentLocation)
		logger.InfoCF("narrator", "Turn aborted", map[string]interface{}{
			"session":  s.ID,
			"turn":     t.Number,
			"attempts": t.Attempts,
		})
		return t
	}

	if err != nil {
		t.Fallback = true
		t.Response = FallbackResponse(s.mem.CurrentLocation)
		logger.ErrorCF("narrator", "Generation exhausted, using fallback", map[string]interface{}{
			"session":  s.ID,
			"turn":     t.Number,
			"attempts": t.Attempts,
			"error":    err.Error(),
		})
		s.mem.AddEvent(memory.NarrativeEvent{
			Turn:        t.Number,
			Description: fallbackEventDescription,
			Location:    s.mem.CurrentLocation,
			Importance:  memory.TechnicalImportance,
		})
		o.publish(bus.TopicGenerationFallback, s, t)
		return t
	}

	t.Kind = result.sel.Kind
	t.Backend = result.sel.Backend

	o.enter(StatePostFilter)
	t.Response = o.postFilter(result.resp, s.mem.CurrentLocation, req.BlacklistWords)

	if ctx.Err() != nil {
		t.Aborted = true
		logger.InfoCF("narrator", "Turn aborted before memory update", map[string]interface{}{
			"session": s.ID,
			"turn":    t.Number,
		})
		return t
	}

	o.enter(StateMemoryUpdatePost)
	o.remember(s, t.Number, choice, t.Response)

	o.enter(StateDone)
	o.publish(bus.TopicNarrativeGenerated, s, t)
	return t
}

func (o *Orchestrator) attempt(ctx context.Context, prompt, choice, storyContext string, n int) (generated, error) {
	if err := ctx.Err(); err != nil {
		return generated{}, backoff.Permanent(err)
	}

	o.enter(StateBackendSelect)
	sel := o.registry.Select(choice, storyContext)
	if o.gen == nil {
		return generated{}, &providers.TransportError{Provider: "none", Model: sel.Model, Err: errors.New("no generation backend configured")}
	}

	o.enter(StateGenerate)
	raw, err := o.gen.Generate(ctx, sel.Model, prompt, providers.Options{
		Temperature:     sel.Options.Temperature,
		MaxOutputTokens: sel.Options.MaxOutputTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return generated{}, backoff.Permanent(ctxErr)
		}
		logger.WarnCF("narrator", "Generation attempt failed", map[string]interface{}{
			"attempt": n,
			"backend": sel.Backend,
			"error":   err.Error(),
		})
		return generated{}, err
	}

	o.enter(StateParse)
	resp, err := ParseResponse(raw)
	if err != nil {
		logger.WarnCF("narrator", "Unparseable generation", map[string]interface{}{
			"attempt": n,
			"backend": sel.Backend,
			"error":   err.Error(),
		})
		return generated{}, err
	}
	return generated{resp: resp, sel: sel}, nil
}

// newBackOff waits base, 2*base, 4*base... between attempts, without jitter.
func (o *Orchestrator) newBackOff() backoff.BackOff {
	if o.opts.BackoffBase <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.BackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = o.opts.BackoffBase << 10
	b.Reset()
	return b
}

// postFilter screens the narrative, every choice and the location. Unsafe
// choices fall back to the default at that position and an unsafe location
// keeps the last known one.
func (o *Orchestrator) postFilter(resp Response, lastLocation string, extra []string) Response {
	out := resp
	flagged := false

	narrative := o.filter.FilterOutput(resp.Narrative, extra...)
	out.Narrative = narrative.Filtered
	flagged = flagged || narrative.Flagged()

	out.Choices = make([]string, len(resp.Choices))
	for i, c := range resp.Choices {
		r := o.filter.FilterOutput(c, extra...)
		flagged = flagged || r.Flagged()
		if r.IsSafe {
			out.Choices[i] = r.Filtered
		} else {
			out.Choices[i] = DefaultChoices[i%ChoiceCount]
		}
	}
	out.Choices = NormalizeChoices(out.Choices)

	if resp.Location != "" {
		loc := o.filter.FilterOutput(resp.Location, extra...)
		flagged = flagged || loc.Flagged()
		if loc.Flagged() {
			out.Location = lastLocation
		}
	} else {
		out.Location = lastLocation
	}

	out.ContentFiltered = flagged
	return out
}

func (o *Orchestrator) remember(s *Session, turn int, choice string, resp Response) {
	s.mem.Observe(resp.Narrative, turn)
	s.hist.AddInteraction(choice, resp.Narrative)

	if ev := s.mem.DetectEvent(resp.Narrative, turn, resp.Location); ev != nil && ev.Importance >= o.opts.MinEventImportance {
		s.mem.AddEvent(*ev)
		logger.DebugCF("narrator", "Event recorded", map[string]interface{}{
			"session":    s.ID,
			"turn":       turn,
			"importance": ev.Importance,
			"event":      utils.Truncate(ev.Description, 60),
		})
	}
	s.mem.UpdateLocation(resp.Location)
}

func (o *Orchestrator) publish(topic string, s *Session, t Turn) {
	if o.events == nil {
		return
	}
	o.events.Publish(bus.TurnEvent{
		ID:              t.ID,
		Topic:           topic,
		SessionID:       s.ID,
		Turn:            t.Number,
		TaskKind:        string(t.Kind),
		Backend:         t.Backend,
		Attempts:        t.Attempts,
		Fallback:        t.Fallback,
		ContentFiltered: t.Response.ContentFiltered,
		Location:        t.Response.Location,
		Narrative:       t.Response.Narrative,
		Timestamp:       time.Now(),
	})
}
