// DotPersona - local-first multi-persona conversational agent
// License: MIT
//
// Copyright (c) 2026 DotPersona contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/checkpoint"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/heartbeat"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/orchestrator"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/prompt"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

const settingActivePersona = "active_persona"

// Agent wires the registry, scheduler, orchestrator and checkpoints.
type Agent struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	provider providers.LLMProvider
	loop     *orchestrator.Loop
	registry *persona.Registry
	sched    *scheduler.Scheduler

	checkpoints *checkpoint.Manager
	store       checkpoint.Store
	remote      checkpoint.Remote

	heartbeat *heartbeat.Service
	autosave  *heartbeat.Service

	mu       sync.RWMutex
	activeID string

	now      func() time.Time
	running  atomic.Bool
	shutdown atomic.Bool
}

// New builds an agent. provider may be nil to route through the configured
// provider registry. store may be nil to run without checkpoints.
func New(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, store checkpoint.Store) (*Agent, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if msgBus == nil {
		msgBus = bus.NewMessageBus()
	}
	if provider == nil {
		provider = providers.NewRouter(cfg)
	}
	defaults := cfg.Agents.Defaults

	a := &Agent{
		cfg:      cfg,
		bus:      msgBus,
		provider: provider,
		registry: persona.NewRegistry(memory.NewHumanStore(nil, nil), defaults.DefaultPersona),
		store:    store,
		now:      time.Now,
	}
	a.loop = orchestrator.NewLoop(provider, prompt.NewBuilder(defaults.RecentWindow), orchestrator.Config{
		MaxLoops:         defaults.MaxLoops,
		DefaultModel:     defaults.Model,
		MaxTokens:        defaults.MaxTokens,
		Temperature:      defaults.Temperature,
		TransportBackoff: 500 * time.Millisecond,
	})
	a.sched = scheduler.New(scheduler.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Eligible:      a.eligible,
		Known:         a.personaExists,
	})
	a.sched.Handle(scheduler.KindResponse, a.handleResponse)
	a.sched.Handle(scheduler.KindTraitExtraction, a.handleTraitExtraction)
	a.sched.Handle(scheduler.KindPersonaGeneration, a.handlePersonaGeneration)
	a.sched.Handle(scheduler.KindDrift, a.handleDrift)

	if store != nil {
		a.checkpoints = checkpoint.NewManager(store, checkpoint.SourceFunc(a.capture), cfg.Checkpoint.MaxCheckpoints)
	}
	return a, nil
}

// SetClock overrides the time source for messages and lifecycle records.
func (a *Agent) SetClock(now func() time.Time) {
	a.now = now
	a.registry.SetClock(now)
}

// SetTransportBackoff overrides the pause between failed model calls.
func (a *Agent) SetTransportBackoff(d time.Duration) {
	defaults := a.cfg.Agents.Defaults
	a.loop = orchestrator.NewLoop(a.provider, prompt.NewBuilder(defaults.RecentWindow), orchestrator.Config{
		MaxLoops:         defaults.MaxLoops,
		DefaultModel:     defaults.Model,
		MaxTokens:        defaults.MaxTokens,
		Temperature:      defaults.Temperature,
		TransportBackoff: d,
	})
}

// SetSyncRemote overrides the remote derived from configuration.
func (a *Agent) SetSyncRemote(remote checkpoint.Remote) { a.remote = remote }

func (a *Agent) Bus() *bus.MessageBus            { return a.bus }
func (a *Agent) Registry() *persona.Registry     { return a.registry }
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *Agent) Checkpoints() *checkpoint.Manager {
	return a.checkpoints
}

// Start restores the newest checkpoint (or creates the default persona) and
// starts the heartbeat and auto-save services.
func (a *Agent) Start(ctx context.Context) error {
	restored := false
	if a.checkpoints != nil {
		cp, ok, err := a.checkpoints.RestoreLatest(ctx)
		if err != nil {
			logger.WarnCF("agent", "Checkpoint restore failed; starting fresh", map[string]interface{}{"error": err.Error()})
		} else if ok {
			if err := a.apply(cp); err != nil {
				logger.WarnCF("agent", "Checkpoint apply failed; starting fresh", map[string]interface{}{"error": err.Error()})
			} else {
				restored = true
			}
		}
	}
	def, created, err := a.registry.EnsureDefault()
	if err != nil {
		return fmt.Errorf("ensure default persona: %w", err)
	}
	if created {
		a.enqueue(scheduler.Job{
			PersonaID: def.ID,
			Kind:      scheduler.KindPersonaGeneration,
			Payload:   map[string]string{"seed": defaultSeed},
		})
	}
	if a.ActivePersonaID() == "" {
		a.setActive(def.ID)
	}

	hb := heartbeat.NewHeartbeatService(a.cfg.HeartbeatInterval(), a.cfg.Heartbeat.Enabled)
	hb.SetHandler(a.beat)
	if err := hb.Start(); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	a.heartbeat = hb

	if a.checkpoints != nil {
		schedule := heartbeat.Every(a.cfg.AutoSaveInterval())
		if expr := strings.TrimSpace(a.cfg.Checkpoint.Schedule); expr != "" {
			schedule = heartbeat.Cron(expr)
		}
		svc, err := a.checkpoints.AutoSave(schedule)
		if err != nil {
			logger.WarnCF("agent", "Auto-save disabled", map[string]interface{}{"error": err.Error()})
		} else {
			a.autosave = svc
		}
	}

	a.running.Store(true)
	logger.InfoCF("agent", "Agent started", map[string]interface{}{
		"restored": restored,
		"personas": a.registry.Len(),
		"active":   a.ActivePersonaID(),
	})
	a.sched.Drain()
	return nil
}

const defaultSeed = "A warm, curious companion who helps the human reflect, remembers what matters to them, and introduces them to the other personas."

// Run consumes inbound messages from the bus until ctx ends or the bus closes.
func (a *Agent) Run(ctx context.Context) error {
	for {
		msg, ok := a.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if _, err := a.Send(ctx, msg.PersonaID, msg.Content); err != nil {
			a.bus.PublishOutbound(bus.OutboundMessage{
				Kind:      bus.OutboundError,
				PersonaID: msg.PersonaID,
				Content:   err.Error(),
			})
		}
	}
}

// ActivePersonaID returns the persona that receives plain input.
func (a *Agent) ActivePersonaID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activeID
}

func (a *Agent) setActive(id string) {
	a.mu.Lock()
	a.activeID = id
	a.mu.Unlock()
}

// SendMessage delivers text from the human to the active persona.
func (a *Agent) SendMessage(ctx context.Context, text string) (memory.Message, error) {
	return a.Send(ctx, "", text)
}

// Send delivers text to a persona (the active one when ref is empty) and
// queues a response.
func (a *Agent) Send(ctx context.Context, ref, text string) (memory.Message, error) {
	if err := ctx.Err(); err != nil {
		return memory.Message{}, err
	}
	if a.shutdown.Load() {
		return memory.Message{}, errors.New("agent is shutting down")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return memory.Message{}, errors.New("message is empty")
	}
	p, err := a.resolve(ref)
	if err != nil {
		return memory.Message{}, err
	}
	if p.State == persona.StateArchived {
		return memory.Message{}, &persona.RegistryError{
			Code:    persona.CodeInvalidTransition,
			Message: fmt.Sprintf("%s is archived; unarchive it before chatting", p.DisplayName),
		}
	}

	msg := p.History.Append(memory.NewHumanMessage(text, a.now()))
	a.registry.Touch(p.ID, msg.Timestamp)
	a.enqueue(scheduler.Job{PersonaID: p.ID, Kind: scheduler.KindResponse, Trigger: msg.Timestamp})
	a.sched.Drain()
	return msg, nil
}

func (a *Agent) resolve(ref string) (persona.Persona, error) {
	if strings.TrimSpace(ref) == "" {
		ref = a.ActivePersonaID()
	}
	return a.registry.Resolve(ref)
}

func (a *Agent) enqueue(job scheduler.Job) {
	if _, err := a.sched.Enqueue(job); err != nil {
		logger.WarnCF("agent", "Job not queued", map[string]interface{}{
			"persona_id": job.PersonaID,
			"kind":       string(job.Kind),
			"error":      err.Error(),
		})
	}
}

func (a *Agent) personaExists(personaID string) bool {
	_, err := a.registry.Get(personaID)
	return err == nil
}

func (a *Agent) eligible(personaID string) bool {
	p, err := a.registry.Get(personaID)
	if err != nil {
		return false
	}
	return p.State.Schedulable()
}

// beat resumes elapsed pauses, queues concept drift and drains the queue.
func (a *Agent) beat(ctx context.Context) {
	now := a.now()
	for _, id := range a.registry.ResumeExpired(now) {
		if p, err := a.registry.Get(id); err == nil {
			a.bus.PublishOutbound(bus.OutboundMessage{
				Kind:        bus.OutboundNotice,
				PersonaID:   id,
				PersonaName: p.DisplayName,
				Content:     p.DisplayName + " is back from a pause",
			})
		}
	}
	for _, p := range a.registry.List(false) {
		if p.State.Schedulable() && hasDynamic(p.Concepts) {
			a.enqueue(scheduler.Job{PersonaID: p.ID, Kind: scheduler.KindDrift})
		}
	}
	a.sched.Drain()
}

func hasDynamic(cs *memory.ConceptStore) bool {
	if cs == nil {
		return false
	}
	for _, c := range cs.List("") {
		if c.Dynamic {
			return true
		}
	}
	return false
}

// Wait blocks until no eligible work is queued or running.
func (a *Agent) Wait(ctx context.Context) error {
	return a.sched.Wait(ctx)
}

func (a *Agent) stopServices() {
	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	if a.autosave != nil {
		a.autosave.Stop()
	}
}
