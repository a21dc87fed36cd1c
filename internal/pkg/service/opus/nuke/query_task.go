package nuke

import (
	"context"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

// QueryTask runs the action of a QUERY command and replies with its output.
// Counters of the node are not affected, stop and terminate requests are not sent to the query.
type QueryTask struct {
	*task
}

func newQueryTask(t *Tasks, cmd *model.NukeCommand) *QueryTask {
	return &QueryTask{task: newTask("QueryTask", t, cmd)}
}

func (p *QueryTask) Init(context.Context) error {
	return p.submit(p.run)
}

func (p *QueryTask) run(ctx context.Context) {
	if !p.start(ctx) {
		return
	}

	output, err := p.tasks.executor.Execute(ctx, p.command.Command, p.command.Folder)
	if err != nil {
		p.Logger().Warnf(ctx, `query "%s" failed: %s`, p.command.Key, err)
		p.finish(ctx, model.CommandAborted, output)
		return
	}
	p.finish(ctx, model.CommandDone, output)
}

func (p *QueryTask) Shutdown(context.Context) {
	p.mustBeTerminal()
	p.cancelAction()
}
