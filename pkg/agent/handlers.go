package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/checkpoint"
	"github.com/dotsetgreg/dotpersona/pkg/completion"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/orchestrator"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/prompt"
	"github.com/dotsetgreg/dotpersona/pkg/scheduler"
)

// personaContext assembles the prompt inputs shared by every request kind.
func (a *Agent) personaContext(p persona.Persona) prompt.Context {
	pc := prompt.Context{
		PersonaName:      p.DisplayName,
		ShortDescription: p.ShortDescription,
		LongDescription:  p.LongDescription,
	}
	if p.Concepts != nil {
		pc.PersonaConcepts = p.Concepts.List("")
	}
	pc.HumanConcepts = a.registry.Human().Concepts().List("")
	return pc
}

func target(p persona.Persona) orchestrator.Target {
	return orchestrator.Target{PersonaID: p.ID, ModelOverride: p.ModelOverride}
}

// requeueOnHalt keeps a job queued when a halt or shutdown interrupted it.
func requeueOnHalt(err error) error {
	if errors.Is(err, orchestrator.ErrHalted) || errors.Is(err, context.Canceled) {
		return scheduler.ErrRequeue
	}
	return err
}

// visibleFailure records an exhausted request in the persona's history so
// the human sees it. The message is never fed back into prompts.
func (a *Agent) visibleFailure(p persona.Persona, what string, err error) {
	content := fmt.Sprintf("(%s could not %s: %v)", p.DisplayName, what, err)
	msg := p.History.Append(memory.Message{
		Role:          memory.RoleSystem,
		Content:       content,
		Timestamp:     a.now(),
		ContextStatus: memory.ContextNever,
	})
	a.bus.PublishOutbound(bus.OutboundMessage{
		Kind:        bus.OutboundError,
		PersonaID:   p.ID,
		PersonaName: p.DisplayName,
		MessageID:   msg.ID,
		Content:     content,
	})
}

func (a *Agent) handleResponse(ctx context.Context, job *scheduler.Job) error {
	p, err := a.registry.Get(job.PersonaID)
	if err != nil {
		return err
	}
	pc := a.personaContext(p)
	pc.Messages = p.History.GetRecentMessages(a.cfg.Agents.Defaults.RecentWindow)

	var out orchestrator.Outcome
	if a.cfg.Agents.Defaults.Stream {
		out, err = a.loop.RunStream(ctx, completion.KindResponse, pc, target(p), func(chunk string) {
			a.bus.PublishOutbound(bus.OutboundMessage{
				Kind:        bus.OutboundChunk,
				PersonaID:   p.ID,
				PersonaName: p.DisplayName,
				Content:     chunk,
			})
		})
	} else {
		out, err = a.loop.Run(ctx, completion.KindResponse, pc, target(p))
	}
	if err != nil {
		var exhausted *orchestrator.ExhaustedError
		if errors.As(err, &exhausted) {
			a.visibleFailure(p, "reply", err)
			return err
		}
		return requeueOnHalt(err)
	}

	resp, err := completion.DecodeResponse(out.Value)
	if err != nil {
		return err
	}
	replyAt := a.now()
	reply := strings.TrimSpace(resp.Reply)
	if !resp.ShouldRespond || reply == "" {
		logger.DebugCF("agent", "Persona chose not to reply", map[string]interface{}{"persona_id": p.ID})
		job.Trigger = replyAt
		return nil
	}

	msg := p.History.Append(memory.NewSystemMessage(reply, replyAt))
	a.registry.Touch(p.ID, msg.Timestamp)
	job.Trigger = msg.Timestamp
	a.bus.PublishOutbound(bus.OutboundMessage{
		Kind:        bus.OutboundReply,
		PersonaID:   p.ID,
		PersonaName: p.DisplayName,
		MessageID:   msg.ID,
		Content:     reply,
	})
	logger.InfoCF("agent", "Reply delivered", map[string]interface{}{
		"persona_id": p.ID,
		"attempts":   out.Attempts,
		"model":      out.Model,
	})
	return nil
}

// handleTraitExtraction runs the human-side and persona-side extractions over
// messages strictly before the trigger. The window is marked processed only
// when both sides succeed.
func (a *Agent) handleTraitExtraction(ctx context.Context, job *scheduler.Job) error {
	p, err := a.registry.Get(job.PersonaID)
	if err != nil {
		return err
	}
	trigger := job.Trigger
	if trigger.IsZero() {
		trigger = a.now()
	}
	window := p.History.ExtractionWindow(trigger)
	if len(window) == 0 {
		return nil
	}

	base := a.personaContext(p)
	base.Messages = window

	humanSide := base
	humanSide.Target = prompt.TargetHuman
	out, err := a.loop.Run(ctx, completion.KindTraitExtraction, humanSide, target(p))
	if err != nil {
		return requeueOnHalt(err)
	}
	humanDeltas, err := completion.DecodeTraitExtraction(out.Value)
	if err != nil {
		return err
	}

	systemSide := base
	systemSide.Target = prompt.TargetSystem
	out, err = a.loop.Run(ctx, completion.KindTraitExtraction, systemSide, target(p))
	if err != nil {
		return requeueOnHalt(err)
	}
	personaDeltas, err := completion.DecodeTraitExtraction(out.Value)
	if err != nil {
		return err
	}

	now := a.now()
	humanResult, ok := a.registry.Human().MergeFromLive(p.ID, a.personaExists, now, humanDeltas)
	if !ok {
		logger.InfoCF("agent", "Persona deleted during extraction; discarding concepts", map[string]interface{}{"persona_id": p.ID})
		return nil
	}
	personaResult := p.Concepts.Merge(now, personaDeltas...)

	ids := make([]string, 0, len(window))
	for _, m := range window {
		ids = append(ids, m.ID)
	}
	marked := p.History.MarkProcessed(ids)
	logger.InfoCF("agent", "Concepts extracted", map[string]interface{}{
		"persona_id":      p.ID,
		"messages":        marked,
		"human_changes":   humanResult.Total(),
		"persona_changes": personaResult.Total(),
	})
	return nil
}

func (a *Agent) handlePersonaGeneration(ctx context.Context, job *scheduler.Job) error {
	p, err := a.registry.Get(job.PersonaID)
	if err != nil {
		return err
	}
	pc := a.personaContext(p)
	pc.Seed = job.Payload["seed"]
	if strings.TrimSpace(pc.Seed) == "" {
		pc.Seed = p.ShortDescription
	}

	out, err := a.loop.Run(ctx, completion.KindPersonaGeneration, pc, target(p))
	if err != nil {
		var exhausted *orchestrator.ExhaustedError
		if errors.As(err, &exhausted) {
			a.visibleFailure(p, "finish creating itself", err)
			return err
		}
		return requeueOnHalt(err)
	}
	gen, err := completion.DecodePersonaGeneration(out.Value)
	if err != nil {
		return err
	}
	if err := a.registry.UpdateDescriptions(p.ID, gen.ShortDescription, gen.LongDescription); err != nil {
		return err
	}
	res := p.Concepts.Merge(a.now(), gen.Deltas()...)
	a.bus.PublishOutbound(bus.OutboundMessage{
		Kind:        bus.OutboundNotice,
		PersonaID:   p.ID,
		PersonaName: p.DisplayName,
		Content:     fmt.Sprintf("%s is ready: %s", p.DisplayName, gen.ShortDescription),
	})
	logger.InfoCF("agent", "Persona generated", map[string]interface{}{
		"persona_id": p.ID,
		"concepts":   res.Total(),
		"attempts":   out.Attempts,
	})
	return nil
}

func (a *Agent) handleDrift(_ context.Context, job *scheduler.Job) error {
	p, err := a.registry.Get(job.PersonaID)
	if err != nil {
		return err
	}
	if n := p.Concepts.Drift(a.now()); n > 0 {
		logger.DebugCF("agent", "Concepts drifted", map[string]interface{}{"persona_id": p.ID, "changed": n})
	}
	return nil
}

// capture snapshots all durable state for the checkpoint manager. The queue
// is read last and includes in-flight jobs: any reply already in a history
// then has either its follow-up extraction or its own response job queued.
func (a *Agent) capture() (checkpoint.Checkpoint, error) {
	settings := map[string]string{}
	if id := a.ActivePersonaID(); id != "" {
		settings[settingActivePersona] = id
	}
	human := a.registry.Human()
	personas := a.registry.List(true)
	return checkpoint.Build(human, personas, a.sched.Snapshot(), settings), nil
}

// apply replaces live state with a checkpoint.
func (a *Agent) apply(cp checkpoint.Checkpoint) error {
	if err := a.registry.Restore(cp.HumanStore(), cp.PersonaList()); err != nil {
		return err
	}
	for _, job := range a.sched.Pending() {
		a.sched.Drop(job.PersonaID)
	}
	a.sched.Restore(cp.Queue)
	active := cp.Settings[settingActivePersona]
	if p, err := a.registry.Get(active); err == nil && !p.IsArchived() {
		a.setActive(p.ID)
	} else {
		a.setActive("")
	}
	counts := cp.Counts()
	logger.InfoCF("agent", "Checkpoint applied", map[string]interface{}{
		"id":        cp.ID,
		"timestamp": cp.Timestamp.Format(time.RFC3339),
		"personas":  counts.Personas,
		"messages":  counts.Messages,
		"queue":     counts.Queue,
	})
	return nil
}
