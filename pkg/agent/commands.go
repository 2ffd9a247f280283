package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/checkpoint"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

// ErrPersonaBusy is returned when a persona cannot be deleted because one of
// its jobs is still running.
var ErrPersonaBusy = errors.New("persona is still working; try again once it finishes")

// CommandResult is what a command shows the human. Info marks a no-op.
type CommandResult struct {
	Message string
	Info    bool
}

func fromResult(r persona.Result) CommandResult {
	return CommandResult{Message: r.Message, Info: r.Info}
}

// CreatePersona registers a persona and queues generation from description.
func (a *Agent) CreatePersona(name, description string) (CommandResult, error) {
	p, err := a.registry.Create(name, description)
	if err != nil {
		return CommandResult{}, err
	}
	seed := strings.TrimSpace(description)
	if seed == "" {
		seed = "A persona named " + p.DisplayName
	}
	a.enqueue(scheduler.Job{
		PersonaID: p.ID,
		Kind:      scheduler.KindPersonaGeneration,
		Payload:   map[string]string{"seed": seed},
	})
	a.sched.Drain()
	return CommandResult{Message: fmt.Sprintf("Created %s; generating its personality", p.DisplayName)}, nil
}

// SwitchPersona makes ref the active persona.
func (a *Agent) SwitchPersona(ref string) (CommandResult, error) {
	p, err := a.registry.Resolve(ref)
	if err != nil {
		return CommandResult{}, err
	}
	if p.IsArchived() {
		return CommandResult{}, &persona.RegistryError{
			Code:    persona.CodeInvalidTransition,
			Message: fmt.Sprintf("%s is archived; unarchive it first", p.DisplayName),
		}
	}
	if p.ID == a.ActivePersonaID() {
		return CommandResult{Message: fmt.Sprintf("Already talking to %s", p.DisplayName), Info: true}, nil
	}
	a.setActive(p.ID)
	msg := fmt.Sprintf("Now talking to %s", p.DisplayName)
	if p.IsPaused() {
		msg += " (paused; replies wait until it resumes)"
	}
	return CommandResult{Message: msg}, nil
}

// ListPersonas renders the persona roster.
func (a *Agent) ListPersonas(includeArchived bool) []persona.Persona {
	return a.registry.List(includeArchived)
}

func (a *Agent) lifecycle(ref string, fn func(id string) (persona.Result, error)) (persona.Persona, CommandResult, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return persona.Persona{}, CommandResult{}, err
	}
	res, err := fn(p.ID)
	if err != nil {
		return p, CommandResult{}, err
	}
	return p, fromResult(res), nil
}

// PausePersona holds a persona's queued work. A positive d resumes it
// automatically on a later heartbeat.
func (a *Agent) PausePersona(ref string, d time.Duration) (CommandResult, error) {
	var until *time.Time
	if d > 0 {
		t := a.now().Add(d)
		until = &t
	}
	_, res, err := a.lifecycle(ref, func(id string) (persona.Result, error) {
		return a.registry.Pause(id, until)
	})
	return res, err
}

func (a *Agent) ResumePersona(ref string) (CommandResult, error) {
	_, res, err := a.lifecycle(ref, a.registry.Resume)
	if err == nil && !res.Info {
		a.sched.Drain()
	}
	return res, err
}

// ArchivePersona archives a persona, moving the conversation to the default
// persona when it was active.
func (a *Agent) ArchivePersona(ref string) (CommandResult, error) {
	p, res, err := a.lifecycle(ref, a.registry.Archive)
	if err != nil {
		return res, err
	}
	if p.ID == a.ActivePersonaID() {
		a.fallbackToDefault()
	}
	return res, nil
}

func (a *Agent) UnarchivePersona(ref string) (CommandResult, error) {
	p, res, err := a.lifecycle(ref, a.registry.Unarchive)
	if err != nil || res.Info {
		return res, err
	}
	if a.ActivePersonaID() == "" {
		a.setActive(p.ID)
	}
	a.sched.Drain()
	return res, nil
}

// DeletePersona removes an archived persona and its queued jobs. With
// cascade, human concepts it taught are removed as well.
func (a *Agent) DeletePersona(ref string, cascade bool) (CommandResult, error) {
	p, res, err := a.lifecycle(ref, func(id string) (persona.Result, error) {
		// Archived personas start no new jobs, so only the one in flight
		// can still write concepts on this persona's behalf.
		if a.sched.Running(id) {
			return persona.Result{}, ErrPersonaBusy
		}
		return a.registry.Delete(id, cascade)
	})
	if err != nil {
		return res, err
	}
	if n := a.sched.Drop(p.ID); n > 0 {
		logger.InfoCF("agent", "Dropped queued jobs for deleted persona", map[string]interface{}{"persona_id": p.ID, "jobs": n})
	}
	if p.ID == a.ActivePersonaID() {
		a.fallbackToDefault()
	}
	return res, nil
}

func (a *Agent) fallbackToDefault() {
	def, created, err := a.registry.EnsureDefault()
	if err != nil {
		a.setActive("")
		return
	}
	if created {
		a.enqueue(scheduler.Job{PersonaID: def.ID, Kind: scheduler.KindPersonaGeneration, Payload: map[string]string{"seed": defaultSeed}})
	}
	if !def.IsArchived() {
		a.setActive(def.ID)
		return
	}
	// The default is archived too; take any persona still in the roster.
	if live := a.registry.List(false); len(live) > 0 {
		a.setActive(live[0].ID)
		return
	}
	a.setActive("")
}

func (a *Agent) AddAlias(ref, alias string) (CommandResult, error) {
	_, res, err := a.lifecycle(ref, func(id string) (persona.Result, error) {
		return a.registry.AddAlias(id, alias)
	})
	return res, err
}

func (a *Agent) RemoveAlias(ref, query string) (CommandResult, error) {
	_, res, err := a.lifecycle(ref, func(id string) (persona.Result, error) {
		return a.registry.RemoveAlias(id, query)
	})
	return res, err
}

func (a *Agent) ListAliases(ref string) ([]string, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return nil, err
	}
	return a.registry.Aliases(p.ID)
}

// SetModel pins a persona to a provider:model spec.
func (a *Agent) SetModel(ref, spec string) (CommandResult, error) {
	def, _ := providers.ParseModelSpec(a.cfg.Agents.Defaults.Model, providers.ProviderOpenRouter)
	ms, err := providers.ParseModelSpec(spec, def.Provider)
	if err != nil {
		return CommandResult{}, err
	}
	if !providers.IsSupported(ms.Provider) {
		return CommandResult{}, fmt.Errorf("unknown provider %q (supported: %s)", ms.Provider, strings.Join(providers.SupportedProviders(), ", "))
	}
	_, res, err := a.lifecycle(ref, func(id string) (persona.Result, error) {
		return a.registry.SetModel(id, ms.String())
	})
	return res, err
}

func (a *Agent) ClearModel(ref string) (CommandResult, error) {
	_, res, err := a.lifecycle(ref, a.registry.ClearModel)
	return res, err
}

// ListModels reports the provider registry when routing through it.
func (a *Agent) ListModels() []providers.ModelInfo {
	if r, ok := a.provider.(*providers.Router); ok {
		return r.ListModels()
	}
	return []providers.ModelInfo{{Provider: "custom", Default: true, KeyConfigured: true}}
}

// ClearContext inserts a context boundary into a persona's conversation.
func (a *Agent) ClearContext(ref string) (CommandResult, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return CommandResult{}, err
	}
	p.History.ClearContext(a.now())
	return CommandResult{Message: fmt.Sprintf("Context cleared for %s", p.DisplayName)}, nil
}

// SetContextStatus pins a message into or out of future prompts.
func (a *Agent) SetContextStatus(ref, messageID, status string) (CommandResult, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return CommandResult{}, err
	}
	cs, err := memory.ParseContextStatus(status)
	if err != nil {
		return CommandResult{}, err
	}
	if err := p.History.SetContextStatus(messageID, cs); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Message %s is now %s", messageID, cs)}, nil
}

// MarkRead marks a persona's messages up to t as displayed.
func (a *Agent) MarkRead(ref string, t time.Time) int {
	p, err := a.resolve(ref)
	if err != nil {
		return 0
	}
	return p.History.MarkRead(t)
}

// History returns a persona's full message log.
func (a *Agent) History(ref string) ([]memory.Message, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return nil, err
	}
	return p.History.All(), nil
}

// Unread returns counts of undisplayed persona messages keyed by name.
func (a *Agent) Unread() map[string]int {
	out := map[string]int{}
	for _, p := range a.registry.List(false) {
		if n := len(p.History.Unread()); n > 0 {
			out[p.DisplayName] = n
		}
	}
	return out
}

func (a *Agent) syncer() (*checkpoint.Syncer, error) {
	if a.checkpoints == nil {
		return nil, errors.New("checkpoints are disabled")
	}
	remote := a.remote
	if remote == nil {
		target := strings.TrimSpace(a.cfg.Sync.Remote)
		if target == "" {
			return nil, errors.New("sync remote is not configured")
		}
		r, err := checkpoint.NewRemote(target)
		if err != nil {
			return nil, err
		}
		remote = r
	}
	return checkpoint.NewSyncer(a.checkpoints, remote, checkpoint.Credentials{
		Username:   a.cfg.Sync.Username,
		Passphrase: a.cfg.Sync.Passphrase,
	})
}

// SyncPush writes a local checkpoint and uploads it encrypted. A failed
// upload is reported but the local checkpoint is kept.
func (a *Agent) SyncPush(ctx context.Context) (CommandResult, error) {
	s, err := a.syncer()
	if err != nil {
		return CommandResult{}, err
	}
	res, err := s.Push(ctx)
	if res.LocalErr != nil {
		return CommandResult{}, res.LocalErr
	}
	if err != nil {
		return CommandResult{Message: fmt.Sprintf("Saved checkpoint %s locally; upload failed", res.Local.ID)}, err
	}
	return CommandResult{Message: fmt.Sprintf("Pushed checkpoint %s", res.Local.ID)}, nil
}

// SyncPull downloads the remote checkpoint and makes it the live state.
func (a *Agent) SyncPull(ctx context.Context) (CommandResult, error) {
	s, err := a.syncer()
	if err != nil {
		return CommandResult{}, err
	}
	cp, err := s.Pull(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if err := a.restoreCheckpoint(ctx, cp); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Restored checkpoint from %s", cp.Timestamp.Local().Format(time.RFC1123))}, nil
}

// RestoreCheckpoint replaces live state with a stored checkpoint.
func (a *Agent) RestoreCheckpoint(ctx context.Context, id string) (CommandResult, error) {
	if a.checkpoints == nil {
		return CommandResult{}, errors.New("checkpoints are disabled")
	}
	cp, err := a.checkpoints.Load(ctx, id)
	if err != nil {
		return CommandResult{}, err
	}
	if err := a.restoreCheckpoint(ctx, cp); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Restored checkpoint %s", cp.ID)}, nil
}

// restoreCheckpoint halts the orchestrator until in-flight jobs have
// settled, swaps in cp and resumes. Interrupted jobs are discarded with the
// old queue.
func (a *Agent) restoreCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if a.shutdown.Load() {
		return errors.New("agent is shutting down")
	}
	a.loop.Halt()
	defer func() {
		if !a.shutdown.Load() {
			a.loop.Resume()
		}
	}()
	if err := a.sched.Settle(ctx); err != nil {
		return fmt.Errorf("waiting for running jobs: %w", err)
	}
	if err := a.apply(cp); err != nil {
		return err
	}
	if a.ActivePersonaID() == "" {
		a.fallbackToDefault()
	}
	a.sched.Drain()
	return nil
}

// SaveCheckpoint writes a checkpoint immediately.
func (a *Agent) SaveCheckpoint(ctx context.Context) (checkpoint.Meta, error) {
	if a.checkpoints == nil {
		return checkpoint.Meta{}, errors.New("checkpoints are disabled")
	}
	return a.checkpoints.SaveNow(ctx)
}

// Quit halts the orchestrator, lets in-flight jobs settle and writes a final
// checkpoint that includes interrupted and queued work.
func (a *Agent) Quit(ctx context.Context) error {
	if !a.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	a.loop.Halt()
	a.stopServices()
	if err := a.sched.Stop(ctx); err != nil {
		logger.WarnCF("agent", "In-flight jobs cancelled at shutdown", map[string]interface{}{"error": err.Error()})
	}
	a.running.Store(false)
	if a.checkpoints == nil {
		return nil
	}
	meta, err := a.checkpoints.Final(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	logger.InfoCF("agent", "Final checkpoint written", map[string]interface{}{"id": meta.ID, "queue": len(a.sched.Pending())})
	return nil
}

// ForceQuit cancels everything without writing a checkpoint.
func (a *Agent) ForceQuit() {
	a.shutdown.Store(true)
	a.loop.Halt()
	a.stopServices()
	a.sched.Abort()
	a.running.Store(false)
	logger.WarnC("agent", "Forced shutdown; no checkpoint written")
}

// Status summarises runtime state for the status command.
type Status struct {
	Started    bool
	Active     string
	Personas   int
	Archived   int
	Pending    int
	Running    []string
	Unread     map[string]int
	Heartbeats int
}

func (a *Agent) Status() Status {
	st := Status{Started: a.running.Load(), Unread: a.Unread(), Pending: len(a.sched.Pending())}
	for _, p := range a.registry.List(true) {
		if p.IsArchived() {
			st.Archived++
		} else {
			st.Personas++
		}
		if p.ID == a.ActivePersonaID() {
			st.Active = p.DisplayName
		}
		if a.sched.Running(p.ID) {
			st.Running = append(st.Running, p.DisplayName)
		}
	}
	sort.Strings(st.Running)
	if a.heartbeat != nil {
		st.Heartbeats = a.heartbeat.Beats()
	}
	return st
}
