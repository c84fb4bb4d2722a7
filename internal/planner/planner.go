// Package planner expands an ordered command list into a dependency-aware
// workflow of steps. Planning is deterministic: the same commands, context
// snapshot, and memory facts always produce an identical graph.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

// RefPrefix marks a parameter value resolved at execution time from a prior
// step's output: "$ref:<stepID>.<outputKey>".
const RefPrefix = "$ref:"

// Planner builds workflows from normalized commands.
type Planner struct {
	stepTimeout time.Duration
	logger      *zap.Logger
}

// New creates a Planner. The default per-step deadline comes from engine
// configuration; WAIT commands override it with their own timeout.
func New(cfg config.Interface, logger *zap.Logger) *Planner {
	return &Planner{
		stepTimeout: cfg.Engine().StepTimeout,
		logger:      logger.With(zap.String("component", "planner")),
	}
}

// Plan expands commands into a workflow for the given session. The context
// snapshot and memory facts enrich the plan (hints, defaults) but never make
// it nondeterministic. Reference parameters are validated here: a $ref that
// no prior step can supply fails planning before any browser interaction.
func (p *Planner) Plan(workflowID, sessionID string, commands []schemas.Command, ctxSnapshot map[string]string, facts []schemas.Fact) (*schemas.Workflow, error) {
	if len(commands) == 0 {
		return nil, &schemas.PlanningError{Reason: "no commands to plan"}
	}

	wf := &schemas.Workflow{
		ID:        workflowID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		Status:    schemas.WorkflowPending,
	}
	for _, f := range facts {
		wf.MemoryHints = append(wf.MemoryHints, f.Content)
	}
	if lastURL := ctxSnapshot["last_url"]; lastURL != "" {
		wf.MemoryHints = append(wf.MemoryHints, "current page: "+lastURL)
	}

	b := &builder{wf: wf, timeout: p.stepTimeout}
	for _, cmd := range commands {
		switch cmd.Kind {
		case schemas.CommandFillForm:
			b.expandFanOut(cmd, "field:")
		case schemas.CommandFilter:
			b.expandFanOut(cmd, "criterion:")
		case schemas.CommandExtract:
			b.addParallelStep(cmd)
		default:
			b.addSequentialStep(cmd)
		}
	}

	if err := resolveReferences(wf); err != nil {
		return nil, err
	}
	if err := verifyAcyclic(wf); err != nil {
		return nil, err
	}

	p.logger.Debug("Planned workflow",
		zap.String("workflow_id", wf.ID),
		zap.Int("commands", len(commands)),
		zap.Int("steps", len(wf.Steps)))
	return wf, nil
}

// builder accumulates steps while tracking the frontier the next sequential
// step must depend on.
type builder struct {
	wf      *schemas.Workflow
	timeout time.Duration
	seq     int

	// frontier holds the step(s) the next command chains after. Usually one
	// step; after an extract fan-out it is the whole fan.
	frontier []schemas.StepID
	// anchor is the dependency shared by parallel extract steps, so that
	// consecutive extracts fan out with no mutual edges.
	anchor []schemas.StepID
	fanned bool
}

func (b *builder) nextID() schemas.StepID {
	b.seq++
	return schemas.StepID(fmt.Sprintf("s%d", b.seq))
}

func (b *builder) push(step *schemas.Step) {
	b.wf.Steps = append(b.wf.Steps, step)
}

// addSequentialStep emits one step depending on the current frontier.
func (b *builder) addSequentialStep(cmd schemas.Command) *schemas.Step {
	step := &schemas.Step{
		ID:        b.nextID(),
		Command:   cmd,
		DependsOn: append([]schemas.StepID(nil), b.frontier...),
		Status:    schemas.StepPending,
		Timeout:   b.stepTimeout(cmd),
	}
	b.push(step)
	b.frontier = []schemas.StepID{step.ID}
	b.anchor = nil
	b.fanned = false
	return step
}

// addParallelStep emits a parallel-safe read step. Consecutive parallel steps
// share the anchor frontier instead of chaining on each other.
func (b *builder) addParallelStep(cmd schemas.Command) {
	if !b.fanned {
		b.anchor = append([]schemas.StepID(nil), b.frontier...)
		b.frontier = b.frontier[:0]
		b.fanned = true
	}
	step := &schemas.Step{
		ID:           b.nextID(),
		Command:      cmd,
		DependsOn:    append([]schemas.StepID(nil), b.anchor...),
		ParallelSafe: true,
		Status:       schemas.StepPending,
		Timeout:      b.stepTimeout(cmd),
	}
	b.push(step)
	b.frontier = append(b.frontier, step.ID)
}

// expandFanOut models "fill three fields, then submit": one step per
// namespaced param plus a synthetic barrier all of them feed. The next
// command chains after the barrier only.
func (b *builder) expandFanOut(cmd schemas.Command, prefix string) {
	base := append([]schemas.StepID(nil), b.frontier...)

	var keys []string
	for k := range cmd.Params {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys) // deterministic fan order

	fan := make([]schemas.StepID, 0, len(keys))
	for _, key := range keys {
		sub := schemas.Command{
			Kind:       cmd.Kind,
			Target:     cmd.Target,
			Confidence: cmd.Confidence,
			Params: map[string]string{
				"name":  strings.TrimPrefix(key, prefix),
				"value": cmd.Params[key],
			},
		}
		if cmd.LowConfidence {
			sub.LowConfidence = true
		}
		step := &schemas.Step{
			ID:           b.nextID(),
			Command:      sub,
			DependsOn:    append([]schemas.StepID(nil), base...),
			ParallelSafe: true,
			Status:       schemas.StepPending,
			Timeout:      b.stepTimeout(sub),
		}
		b.push(step)
		fan = append(fan, step.ID)
	}

	barrier := &schemas.Step{
		ID:        b.nextID(),
		Command:   schemas.Command{Kind: cmd.Kind, Confidence: cmd.Confidence},
		DependsOn: fan,
		Barrier:   true,
		Status:    schemas.StepPending,
		Timeout:   b.timeout,
	}
	b.push(barrier)
	b.frontier = []schemas.StepID{barrier.ID}
	b.anchor = nil
	b.fanned = false
}

func (b *builder) stepTimeout(cmd schemas.Command) time.Duration {
	if cmd.Kind == schemas.CommandWait {
		if secs := cmd.Params["timeout"]; secs != "" {
			if d, err := time.ParseDuration(secs + "s"); err == nil && d > 0 {
				// Leave headroom so the wait condition itself, not the step
				// deadline, decides the outcome.
				return d + 5*time.Second
			}
		}
	}
	return b.timeout
}

// resolveReferences validates every $ref parameter against the steps planned
// before the referencing step, and adds the implied dependency edge.
func resolveReferences(wf *schemas.Workflow) error {
	seen := make(map[schemas.StepID]int, len(wf.Steps))
	for i, s := range wf.Steps {
		seen[s.ID] = i
	}
	for i, step := range wf.Steps {
		for _, key := range sortedKeys(step.Command.Params) {
			val := step.Command.Params[key]
			if !strings.HasPrefix(val, RefPrefix) {
				continue
			}
			refStep, _, err := ParseRef(val)
			if err != nil {
				return &schemas.UnresolvableReferenceError{StepID: step.ID, Ref: val}
			}
			j, ok := seen[refStep]
			if !ok || j >= i {
				return &schemas.UnresolvableReferenceError{StepID: step.ID, Ref: val}
			}
			if !containsID(step.DependsOn, refStep) {
				step.DependsOn = append(step.DependsOn, refStep)
			}
		}
	}
	return nil
}

// ParseRef splits "$ref:s2.price" into its step ID and output key.
func ParseRef(ref string) (schemas.StepID, string, error) {
	body := strings.TrimPrefix(ref, RefPrefix)
	idx := strings.Index(body, ".")
	if idx <= 0 || idx == len(body)-1 {
		return "", "", fmt.Errorf("malformed reference %q", ref)
	}
	return schemas.StepID(body[:idx]), body[idx+1:], nil
}

// verifyAcyclic runs a Kahn pass over the step graph. Construction only adds
// backward edges, so a cycle means a planner bug, but the check is cheap and
// the failure mode (a hung scheduler) is not.
func verifyAcyclic(wf *schemas.Workflow) error {
	indegree := make(map[schemas.StepID]int, len(wf.Steps))
	dependents := make(map[schemas.StepID][]schemas.StepID, len(wf.Steps))
	for _, s := range wf.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			if _, ok := indegree[dep]; !ok && wf.Step(dep) == nil {
				return &schemas.PlanningError{Reason: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep)}
			}
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []schemas.StepID
	for _, s := range wf.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited != len(wf.Steps) {
		return &schemas.PlanningError{Reason: "circular dependency detected"}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsID(ids []schemas.StepID, id schemas.StepID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
