package orchestrator

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// PlanBuilder renders the manifest units of each phase against binding values
type PlanBuilder struct {
	bootstrap  scheduler.Request
	continuous scheduler.Request
}

func NewPlanBuilder(config *OrchestratorConfig) *PlanBuilder {
	bootstrap, continuous := splitPhases(config)
	bootstrap.Deadline = config.Orchestrator.BootstrapDeadline
	return &PlanBuilder{bootstrap: bootstrap, continuous: continuous}
}

func (b *PlanBuilder) HasBootstrap() bool {
	return len(b.bootstrap.Units) > 0
}

func (b *PlanBuilder) BootstrapDeadline() time.Duration {
	return b.bootstrap.Deadline
}

// Bootstrap renders the bootstrap run
func (b *PlanBuilder) Bootstrap(values reactive.Values) (scheduler.Request, error) {
	return renderRequest(b.bootstrap, values)
}

// Continuous renders the continuous run; it is the supervisor's build function
func (b *PlanBuilder) Continuous(values reactive.Values) (scheduler.Request, error) {
	return renderRequest(b.continuous, values)
}

func renderRequest(raw scheduler.Request, values reactive.Values) (scheduler.Request, error) {
	data := map[string]any(values)
	if data == nil {
		data = map[string]any{}
	}

	request := scheduler.Request{
		Mode:     raw.Mode,
		Deadline: raw.Deadline,
		Contexts: raw.Contexts,
		Units:    make([]units.Unit, 0, len(raw.Units)),
	}
	for _, u := range raw.Units {
		rendered := cloneUnit(u)
		err := visitTemplates(&rendered, func(field, text string) (string, error) {
			return render(u.ID+"."+field, text, data)
		})
		if err != nil {
			return scheduler.Request{}, err
		}
		request.Units = append(request.Units, rendered)
	}
	return request, nil
}

// parseUnitTemplates checks template syntax without binding values
func parseUnitTemplates(u units.Unit) error {
	copied := cloneUnit(u)
	return visitTemplates(&copied, func(field, text string) (string, error) {
		if !strings.Contains(text, "{{") {
			return text, nil
		}
		if _, err := template.New(field).Parse(text); err != nil {
			return "", errors.NewValidationError("invalid template in "+field, err).WithContext("unit_id", u.ID)
		}
		return text, nil
	})
}

func render(name, text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", errors.NewValidationError("invalid template "+name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.NewValidationError("failed to render template "+name, err)
	}
	return buf.String(), nil
}

// visitTemplates replaces every templated field of u with fn's result
func visitTemplates(u *units.Unit, fn func(field, text string) (string, error)) error {
	var err error
	apply := func(field string, target *string) {
		if err != nil {
			return
		}
		*target, err = fn(field, *target)
	}

	for i := range u.Command.Args {
		apply(fmt.Sprintf("args[%d]", i), &u.Command.Args[i])
	}
	for _, key := range sortedKeys(u.Command.Env) {
		value := u.Command.Env[key]
		apply("env."+key, &value)
		u.Command.Env[key] = value
	}
	apply("working_directory", &u.Command.WorkingDirectory)
	if u.DisplayLabel != nil {
		apply("display_label", u.DisplayLabel)
	}

	if p := u.Probe; p != nil {
		switch p.Type {
		case probe.TypeHTTP:
			apply("probe.http.url", &p.HTTP.URL)
			for _, key := range sortedKeys(p.HTTP.Headers) {
				value := p.HTTP.Headers[key]
				apply("probe.http.headers."+key, &value)
				p.HTTP.Headers[key] = value
			}
		case probe.TypeGRPC:
			apply("probe.grpc.address", &p.GRPC.Address)
			apply("probe.grpc.service", &p.GRPC.Service)
		case probe.TypeTCP:
			apply("probe.tcp.address", &p.TCP.Address)
		case probe.TypeExec:
			apply("probe.exec.command", &p.Exec.Command)
			for i := range p.Exec.Args {
				apply(fmt.Sprintf("probe.exec.args[%d]", i), &p.Exec.Args[i])
			}
		}
	}
	return err
}

func cloneUnit(u units.Unit) units.Unit {
	c := u
	c.Command.Args = append([]string(nil), u.Command.Args...)
	c.Command.Env = cloneMap(u.Command.Env)
	c.Requires = append([]string(nil), u.Requires...)
	if u.DisplayLabel != nil {
		label := *u.DisplayLabel
		c.DisplayLabel = &label
	}
	if u.Probe != nil {
		p := *u.Probe
		p.HTTP.Headers = cloneMap(u.Probe.HTTP.Headers)
		p.Exec.Args = append([]string(nil), u.Probe.Exec.Args...)
		c.Probe = &p
	}
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
